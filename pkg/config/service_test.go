package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tp2diag/gateway/pkg/tp2"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "socketcan", cfg.CAN.Interface)
	assert.Equal(t, "can0", cfg.CAN.Channel)
	assert.Equal(t, "127.0.0.1:8734", cfg.Endpoints.ListenAddr)
	assert.Equal(t, tp2.DefaultTesterID, cfg.Session.TesterIDBase)
	assert.Equal(t, tp2.DefaultBlockSize, cfg.Session.BlockSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.ini")
	contents := "[can]\ninterface = virtual\nchannel = test0\n\n[endpoints]\nlisten_addr = 0.0.0.0:9000\n\n" +
		"[session]\ntype = 137\ntester_id_base = 1200\nt1_ms = 3000\nt3_us = 15000\nblock_size = 10\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "virtual", cfg.CAN.Interface)
	assert.Equal(t, "test0", cfg.CAN.Channel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Endpoints.ListenAddr)
	assert.EqualValues(t, 137, cfg.Session.Type)
	assert.EqualValues(t, 1200, cfg.Session.TesterIDBase)
	assert.Equal(t, 3000*time.Millisecond, cfg.Session.T1)
	assert.Equal(t, 15000*time.Microsecond, cfg.Session.T3)
	assert.EqualValues(t, 10, cfg.Session.BlockSize)
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}

func TestLoadPartialFileKeepsRemainingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.ini")
	require.NoError(t, os.WriteFile(path, []byte("[can]\nchannel = can1\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "can1", cfg.CAN.Channel)
	assert.Equal(t, "socketcan", cfg.CAN.Interface)
	assert.Equal(t, "127.0.0.1:8734", cfg.Endpoints.ListenAddr)
}
