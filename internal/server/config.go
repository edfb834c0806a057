package server

import (
	"path/filepath"
	"time"
)

type Config struct {
	Addr    string
	DataDir string

	// Store selects the blob backend: "file", "bolt" or "mongo".
	Store      string
	MongoURI   string
	MongoDB    string
	MongoBlobs string

	JWTIssuer  string
	SessionTTL time.Duration

	Languages         []string
	SummarizerTimeout time.Duration
	RegenBudget       time.Duration
}

// ApplyDefaults fills zero-valued fields; idempotent.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8600"
	}
	if c.DataDir == "" {
		c.DataDir = "./vault-data"
	}
	if c.Store == "" {
		c.Store = "file"
	}
	if c.MongoDB == "" {
		c.MongoDB = "healthvault"
	}
	if c.MongoBlobs == "" {
		c.MongoBlobs = "blobs"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "health-vault"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"en", "es", "fr", "de", "zh"}
	}
	if c.SummarizerTimeout <= 0 {
		c.SummarizerTimeout = 5 * time.Second
	}
	if c.RegenBudget <= 0 {
		c.RegenBudget = 10 * time.Second
	}
}

func (c *Config) HeaderPath() string { return filepath.Join(c.DataDir, "vault.hdr") }
func (c *Config) StatePath() string  { return filepath.Join(c.DataDir, "security.json") }
func (c *Config) AuditPath() string  { return filepath.Join(c.DataDir, "audit.jsonl") }
func (c *Config) BlobDir() string    { return filepath.Join(c.DataDir, "blobs") }
func (c *Config) BoltPath() string   { return filepath.Join(c.DataDir, "vault.db") }
