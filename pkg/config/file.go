package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/ugorji/go/codec"
)

// FileConfig is the on-disk configuration of one peer process
type FileConfig struct {
	// ID of the peer
	ID uint64 `json:"id"`
	// Address the peer transport listens on and advertises
	Address string `json:"address"`
	// Directory is the base url of the directory service
	Directory string `json:"directory"`
	// SharedDir holds the files the peer shares
	SharedDir string `json:"shared_dir"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level"`
	// LogFormat is text or json
	LogFormat string `json:"log_format"`
	// ElectTimeout in milliseconds
	ElectTimeout uint `json:"elect_timeout"`
	// HeartBeatInterval in milliseconds
	HeartBeatInterval uint `json:"heartbeat_interval"`
	// ConnectTimeout in seconds
	ConnectTimeout uint `json:"connect_timeout"`
	// CallTimeout in milliseconds
	CallTimeout uint `json:"call_timeout"`
	// PullConcurrency bounds the file list pulls of a new tracker
	PullConcurrency int `json:"pull_concurrency"`
}

// LoadFile reads a json peer config.
// Numbers may be given as strings, unknown keys are rejected.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*FileConfig, error) {
	var m map[string]any
	if err := codec.NewDecoderBytes(raw, &codec.JsonHandle{}).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	fc := &FileConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           fc,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fc, nil
}
