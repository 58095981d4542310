package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wpparchive.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpparchive")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Layout resolves every on-disk location below one data directory. Explicit
// overrides win over the derived defaults.
type Layout struct {
	Root      string
	SessionDB string
	ArchiveDB string
	MediaDir  string
	LogDir    string
}

// New returns the default layout rooted at dir.
func New(dir string) Layout {
	if dir == "" {
		dir = BaseDir()
	}
	return Layout{
		Root:      dir,
		SessionDB: filepath.Join(dir, "session.db"),
		ArchiveDB: filepath.Join(dir, "archive.db"),
		MediaDir:  filepath.Join(dir, "media"),
		LogDir:    filepath.Join(dir, "logs"),
	}
}

// LockPath returns the single-instance lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.Root, "LOCK")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir, "wpparchived.log")
}

// PicturesDir returns where cached profile pictures are written.
func (l Layout) PicturesDir() string {
	return filepath.Join(l.MediaDir, "profiles")
}

// Ensure creates the directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	dirs := []string{
		l.Root,
		l.MediaDir,
		l.PicturesDir(),
		l.LogDir,
		filepath.Dir(l.SessionDB),
		filepath.Dir(l.ArchiveDB),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
