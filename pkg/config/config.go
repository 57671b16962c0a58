package config

// Config is the root application configuration, parsed from YAML.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DB struct {
	DataDir    string           `yaml:"data_dir"`
	WAL        WALConfig        `yaml:"wal"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	Commit     CommitConfig     `yaml:"commit"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type WALConfig struct {
	// ManualFlush defers fsync to explicit FlushWAL calls. Appends then take
	// an internal mutex because the application may flush concurrently.
	ManualFlush bool `yaml:"manual_flush"`
	SyncOnWrite bool `yaml:"sync_on_write"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size"`
}

type CommitConfig struct {
	// AllowConcurrentWrites enables the parallel memtable apply path for
	// groups without merge operations.
	AllowConcurrentWrites bool `yaml:"allow_concurrent_writes"`
	// SeqPerBatch reserves one sequence slot per batch instead of one per key.
	SeqPerBatch bool `yaml:"seq_per_batch"`
	// MaxGroupBytes caps the size of one commit group. Zero means the
	// built-in default (1 MiB).
	MaxGroupBytes int64 `yaml:"max_group_bytes"`
	// LowPriBytesPerSec throttles low-priority writes before they join the
	// pipeline. Zero disables the throttle.
	LowPriBytesPerSec int `yaml:"low_pri_bytes_per_sec"`
}

type CompactionConfig struct {
	TargetFileSizeBytes int64 `yaml:"target_file_size"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		DB: DB{
			DataDir: "./data",
			WAL: WALConfig{
				ManualFlush: false,
				SyncOnWrite: true,
			},
			Memtable: MemtableConfig{
				FlushThresholdBytes: 64 * 1024 * 1024,
				FlushChanBuffSize:   3,
			},
			Commit: CommitConfig{
				AllowConcurrentWrites: true,
				SeqPerBatch:           false,
				MaxGroupBytes:         0,
				LowPriBytesPerSec:     0,
			},
			Compaction: CompactionConfig{
				TargetFileSizeBytes: 64 * 1024 * 1024,
			},
		},
	}
}
