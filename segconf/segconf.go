// Package segconf loads engine-wide options from an INI file the same way
// xmysql-server's server/conf.Cfg does: typed fields with default: struct
// tags, a NewCfg() giving hard defaults, and a Load(path) that tolerates a
// missing or unparsable file by falling back to defaults rather than
// failing open.
package segconf

import (
	"github.com/zhukovaskychina/segstore/enginelog"

	"gopkg.in/ini.v1"
)

// Cfg holds the options Storage.Open needs plus ambient logging setup.
type Cfg struct {
	Raw *ini.File

	BlockSize   uint32 `default:"512" yaml:"block_size" json:"block_size,omitempty"`
	DataDir     string `default:"." yaml:"data_dir" json:"data_dir,omitempty"`
	LogLevel    string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
	LogPath     string `default:"" yaml:"log_path" json:"log_path,omitempty"`
	JournalPath string `default:"" yaml:"journal_path" json:"journal_path,omitempty"`
}

// NewCfg returns a Cfg carrying the engine's hard defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:       ini.Empty(),
		BlockSize: 512,
		DataDir:   ".",
		LogLevel:  "info",
	}
}

// Load reads path as an INI file with an [engine] section. A missing or
// unparsable file is not an error: the returned Cfg carries defaults, same
// as xmysql-server's loadConfiguration falling back to ini.Empty().
func Load(path string) (*Cfg, error) {
	cfg := NewCfg()
	if path == "" {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return cfg, nil
	}
	cfg.Raw = file

	section := file.Section("engine")
	cfg.BlockSize = uint32(section.Key("block_size").MustInt(int(cfg.BlockSize)))
	cfg.DataDir = section.Key("data_dir").MustString(cfg.DataDir)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	cfg.LogPath = section.Key("log_path").MustString(cfg.LogPath)
	cfg.JournalPath = section.Key("journal_path").MustString(cfg.JournalPath)

	if err := enginelog.Init(enginelog.Config{OutputPath: cfg.LogPath, Level: cfg.LogLevel}); err != nil {
		return cfg, err
	}
	return cfg, nil
}
