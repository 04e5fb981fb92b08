package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Prefs are remembered between runs to prefill the join prompt. They are never sent to the server.
type Prefs struct {
	Server string `mapstructure:"server"`
	Code   string `mapstructure:"code"`
	Name   string `mapstructure:"name"`
}

// LoadPrefs reads prefs from a YAML file. A missing file yields empty prefs.
func LoadPrefs(file string) (Prefs, error) {
	var p Prefs

	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("client: read prefs %s: %w", file, err)
	}

	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("client: decode prefs %s: %w", file, err)
	}

	return p, nil
}

func SavePrefs(file string, p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("client: create prefs dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("server", p.Server)
	v.Set("code", p.Code)
	v.Set("name", p.Name)

	if err := v.WriteConfigAs(file); err != nil {
		return fmt.Errorf("client: write prefs %s: %w", file, err)
	}

	return nil
}

// DefaultPrefsFile is ~/.livequiz/prefs.yaml, or prefs.yaml in the working directory when there is no
// home directory.
func DefaultPrefsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "prefs.yaml"
	}
	return filepath.Join(home, ".livequiz", "prefs.yaml")
}
