package health

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// OutputDir returns a [Checker] named "output_dir" that passes when dir exists,
// is a directory and accepts new files. Synthesised replies are written there,
// so a consultation cannot produce audio while this check fails.
func OutputDir(dir string) Checker {
	return Checker{
		Name: "output_dir",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			f, err := os.CreateTemp(dir, ".readyz-*")
			if err != nil {
				return fmt.Errorf("not writable: %w", err)
			}
			name := f.Name()
			return errors.Join(f.Close(), os.Remove(name))
		},
	}
}

// Chains returns a [Checker] named "providers" that fails when any of the
// given capability chains has no provider configured. counts maps a
// capability name ("stt", "vision", "tts") to its number of candidates.
func Chains(counts map[string]int) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			var errs []error
			for kind, n := range counts {
				if n == 0 {
					errs = append(errs, fmt.Errorf("no %s provider configured", kind))
				}
			}
			return errors.Join(errs...)
		},
	}
}
