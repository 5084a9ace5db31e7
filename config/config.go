// Package config holds the static configuration of mailout, parsed from an
// sconf file, and the derived immutable Dispatch value handed to the queue
// and transport components.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mjl-/sconf"

	"github.com/mailout/mailout/mlog"
)

// Static is the mailout configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the queue and transport databases are stored. If this is a relative path, it is relative to the directory of the config file."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, warn, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, traceauth also authentication exchanges with passwords, tracedata also full message data. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, transport)."`
	Hostname         string            `sconf-doc:"Host name presented in the EHLO command, typically the FQDN of this machine."`
	NotificationFrom string            `sconf-doc:"Address used as From for system notifications, and as protected identity when a message sender is not covered by the sender filter of the transport it is sent over."`
	BounceAddress    string            `sconf:"optional" sconf-doc:"Default envelope sender (return path) for messages without one. If empty, NotificationFrom is used."`
	SubBatchSize     int               `sconf:"optional" sconf-doc:"Maximum number of messages sent over a single authenticated session. Default 1000."`
	QueueScanLimit   int               `sconf:"optional" sconf-doc:"Maximum number of ready messages picked up per queue run. Default 10000."`
	DefaultTransport *DefaultTransport `sconf:"optional" sconf-doc:"Fallback SMTP server, used only when no transport records are configured at all."`
}

// DefaultTransport is the process-wide fallback SMTP configuration, for
// deployments that configure their outgoing server through the environment
// rather than through transport records.
type DefaultTransport struct {
	Host         string   `sconf-doc:"Host name or IP of the SMTP server."`
	Port         int      `sconf:"optional" sconf-doc:"Port, default 25."`
	Encryption   string   `sconf:"optional" sconf-doc:"One of: none, starttls, starttls-strict, implicit-tls, implicit-tls-strict. Default none."`
	Username     string   `sconf:"optional" sconf-doc:"Username for password authentication. If empty, no authentication is done."`
	Password     string   `sconf:"optional" sconf-doc:"Password for password authentication."`
	SenderFilter []string `sconf:"optional" sconf-doc:"Addresses and/or domains this server may send as. Empty matches any sender."`
}

// Dispatch is the immutable runtime configuration handed to the queue and
// transport components. Built once from Static, never mutated during a
// dispatcher run.
type Dispatch struct {
	EhloHostname     string
	NotificationFrom string // Protected notification identity, also anti-spoofing rewrite target.
	BounceAddress    string // Default envelope sender.
	SubBatchSize     int
	QueueScanLimit   int
	Default          *DefaultTransport // Nil if not configured.
}

const (
	defaultSubBatchSize   = 1000
	defaultQueueScanLimit = 10000
)

// Check validates the configuration, returning a descriptive error for the
// first problem found.
func (c *Static) Check() error {
	if c.DataDir == "" {
		return fmt.Errorf("missing DataDir")
	}
	if c.Hostname == "" {
		return fmt.Errorf("missing Hostname")
	}
	if c.NotificationFrom == "" {
		return fmt.Errorf("missing NotificationFrom")
	}
	if c.LogLevel != "" {
		if _, ok := mlog.Levels[c.LogLevel]; !ok {
			return fmt.Errorf("unknown LogLevel %q", c.LogLevel)
		}
	}
	for pkg, l := range c.PackageLogLevels {
		if _, ok := mlog.Levels[l]; !ok {
			return fmt.Errorf("unknown log level %q for package %q", l, pkg)
		}
	}
	if d := c.DefaultTransport; d != nil {
		if d.Host == "" {
			return fmt.Errorf("missing Host in DefaultTransport")
		}
		switch d.Encryption {
		case "", "none", "starttls", "starttls-strict", "implicit-tls", "implicit-tls-strict":
		default:
			return fmt.Errorf("unknown Encryption %q in DefaultTransport", d.Encryption)
		}
	}
	return nil
}

// Dispatch derives the runtime configuration, applying defaults.
func (c *Static) Dispatch() Dispatch {
	d := Dispatch{
		EhloHostname:     c.Hostname,
		NotificationFrom: c.NotificationFrom,
		BounceAddress:    c.BounceAddress,
		SubBatchSize:     c.SubBatchSize,
		QueueScanLimit:   c.QueueScanLimit,
		Default:          c.DefaultTransport,
	}
	if d.BounceAddress == "" {
		d.BounceAddress = c.NotificationFrom
	}
	if d.SubBatchSize <= 0 {
		d.SubBatchSize = defaultSubBatchSize
	}
	if d.QueueScanLimit <= 0 {
		d.QueueScanLimit = defaultQueueScanLimit
	}
	return d
}

// LoadFile parses the config file at path, validates it and applies the log
// levels.
func LoadFile(path string) (Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing %s: %v", path, err)
	}
	if err := c.Check(); err != nil {
		return Static{}, fmt.Errorf("checking %s: %v", path, err)
	}
	c.applyLogLevels()
	return c, nil
}

func (c *Static) applyLogLevels() {
	levels := map[string]slog.Level{"": mlog.LevelInfo}
	if c.LogLevel != "" {
		levels[""] = mlog.Levels[c.LogLevel]
	}
	for pkg, l := range c.PackageLogLevels {
		levels[pkg] = mlog.Levels[l]
	}
	mlog.SetConfig(levels)
}

// Describe writes an annotated example config file, for "mailout config
// describe".
func Describe(c *Static) error {
	return sconf.Describe(os.Stdout, c)
}
