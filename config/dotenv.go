package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"

	"github.com/baldanca/backups3/fault"
)

// LoadDotEnv exports the variables of each file (".env" when none is given) into
// the process environment. Variables already set win, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fault.New(fault.Configuration, "load "+p, err)
		}
	}
	return nil
}
