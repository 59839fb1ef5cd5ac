package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/tp2diag/gateway/pkg/gwerrors"
	"github.com/tp2diag/gateway/pkg/tp2"
)

// ServiceConfig is the gateway's top-level configuration record (spec
// 6): which CAN backend to open, where the local pub/sub fabric
// listens, and the TP2.0/KWP2000 session defaults new sessions start
// with. Parsed the same way the teacher's EDS files are, via
// gopkg.in/ini.v1.
type ServiceConfig struct {
	CAN struct {
		Interface string // "socketcan" or "virtual"
		Channel   string // e.g. "can0"
	}
	Endpoints struct {
		// ListenAddr serves all three named routes spec 4.10 groups
		// under "endpoints" (/command, /ws diagnostics stream,
		// /system-events) on one net/http.Server, per the teacher's own
		// single-listener HTTP gateway.
		ListenAddr string
	}
	Session struct {
		Type         byte          // KWP session type; 0 keeps session.DefaultSessionType
		TesterIDBase uint16        // per-module tester id offset; 0 keeps tp2.DefaultTesterID
		T1           time.Duration // ack/response/keep-alive reply timeout (setup has its own fixed 1s budget); 0 keeps the tp2 default
		T3           time.Duration // inter-frame spacing, stored on the channel config but not used to pace frames; 0 keeps the tp2 default
		BlockSize    uint8         // frames per ack block; 0 keeps tp2.DefaultBlockSize
	}
}

// Defaults mirror spec 6's "system defaults if config is absent".
func Defaults() ServiceConfig {
	var c ServiceConfig
	c.CAN.Interface = "socketcan"
	c.CAN.Channel = "can0"
	c.Endpoints.ListenAddr = "127.0.0.1:8734"
	c.Session.Type = 0
	c.Session.TesterIDBase = tp2.DefaultTesterID
	c.Session.BlockSize = tp2.DefaultBlockSize
	return c
}

// Load reads an ini file at path, overlaying it on Defaults. Missing
// entries keep their default per spec 6; a present but unparsable file
// is a ConfigError.
func Load(path string) (ServiceConfig, error) {
	cfg := Defaults()

	file, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: loading %s: %v", gwerrors.ErrConfig, path, err)
	}

	can := file.Section("can")
	if v := can.Key("interface").String(); v != "" {
		cfg.CAN.Interface = v
	}
	if v := can.Key("channel").String(); v != "" {
		cfg.CAN.Channel = v
	}

	endpoints := file.Section("endpoints")
	if v := endpoints.Key("listen_addr").String(); v != "" {
		cfg.Endpoints.ListenAddr = v
	}

	session := file.Section("session")
	if v, err := session.Key("type").Uint(); err == nil && v != 0 {
		cfg.Session.Type = byte(v)
	}
	if v, err := session.Key("tester_id_base").Uint(); err == nil && v != 0 {
		cfg.Session.TesterIDBase = uint16(v)
	}
	if v, err := session.Key("t1_ms").Uint(); err == nil && v != 0 {
		cfg.Session.T1 = time.Duration(v) * time.Millisecond
	}
	if v, err := session.Key("t3_us").Uint(); err == nil && v != 0 {
		cfg.Session.T3 = time.Duration(v) * time.Microsecond
	}
	if v, err := session.Key("block_size").Uint(); err == nil && v != 0 {
		cfg.Session.BlockSize = uint8(v)
	}

	return cfg, nil
}
