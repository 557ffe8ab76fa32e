package common

import (
	"os"
	"os/user"
	"path/filepath"
)

const (
	DefaultP2PPort = 8483
)

// DefaultDataDir is $HOME/.meshsync/
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		return filepath.Join(home, ".meshsync")
	}
	return ""
}

func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// MachineID return a stable id of this host: the hostname, or a generated id
// persisted in dataDir when the hostname is unknown
func MachineID(dataDir string) (string, error) {
	if name, err := os.Hostname(); err == nil && name != "" && isASCII(name) {
		return name, nil
	}

	file := filepath.Join(dataDir, "machine-id")
	if data, err := os.ReadFile(file); err == nil && len(data) > 0 {
		return string(data), nil
	}

	id := "machine-" + randomHex(8)
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return "", err
		}
		if err := os.WriteFile(file, []byte(id), 0600); err != nil {
			return "", err
		}
	}
	return id, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
