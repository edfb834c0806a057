package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"health-vault/internal/audit"
)

func main() {
	// ---- verify ----
	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyAudit := verifyCmd.String("audit", "", "path to audit JSONL file")
	verifyDB := verifyCmd.String("db", "", "path to bolt vault database")

	// ---- logs ----
	logsCmd := flag.NewFlagSet("logs", flag.ExitOnError)
	logsAudit := logsCmd.String("audit", "", "path to audit JSONL file")
	logsDB := logsCmd.String("db", "", "path to bolt vault database")
	logsKind := logsCmd.String("kind", "", "filter by kind (auth, emergency, config, rekey, generation)")
	logsFrom := logsCmd.String("from", "", "only entries at or after this RFC3339 time")

	// ---- login ----
	loginCmd := flag.NewFlagSet("login", flag.ExitOnError)
	loginAddr := loginCmd.String("addr", "http://127.0.0.1:8600", "vaultd address")

	// ---- status ----
	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusAddr := statusCmd.String("addr", "http://127.0.0.1:8600", "vaultd address")
	statusToken := statusCmd.String("token", "", "bearer token from login")

	// ---- configure ----
	confCmd := flag.NewFlagSet("configure", flag.ExitOnError)
	confAddr := confCmd.String("addr", "http://127.0.0.1:8600", "vaultd address")
	confToken := confCmd.String("token", "", "bearer token from login")
	confMode := confCmd.String("mode", "", "emergency mode: pin_protected, biometric_bypass, always_accessible")
	confPIN := confCmd.String("pin", "", "emergency PIN (mode=pin_protected)")

	// ---- generate ----
	genCmd := flag.NewFlagSet("generate", flag.ExitOnError)
	genAddr := genCmd.String("addr", "http://127.0.0.1:8600", "vaultd address")
	genToken := genCmd.String("token", "", "bearer token from login")
	genForce := genCmd.Bool("force", false, "regenerate even when the cache is fresh")

	// ---- sos ----
	sosCmd := flag.NewFlagSet("sos", flag.ExitOnError)
	sosAddr := sosCmd.String("addr", "http://127.0.0.1:8600", "vaultd address")
	sosLang := sosCmd.String("lang", "en", "summary language")
	sosMethod := sosCmd.String("method", "pin", "emergency method: pin, biometric, open")
	sosPIN := sosCmd.String("pin", "", "emergency PIN")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "verify":
		_ = verifyCmd.Parse(os.Args[2:])
		dieIf(cmdVerify(*verifyAudit, *verifyDB))
	case "logs":
		_ = logsCmd.Parse(os.Args[2:])
		dieIf(cmdLogs(*logsAudit, *logsDB, *logsKind, *logsFrom))
	case "login":
		_ = loginCmd.Parse(os.Args[2:])
		dieIf(cmdLogin(*loginAddr))
	case "status":
		_ = statusCmd.Parse(os.Args[2:])
		dieIf(cmdStatus(*statusAddr, *statusToken))
	case "configure":
		_ = confCmd.Parse(os.Args[2:])
		dieIf(cmdConfigure(*confAddr, *confToken, *confMode, *confPIN))
	case "generate":
		_ = genCmd.Parse(os.Args[2:])
		dieIf(cmdGenerate(*genAddr, *genToken, *genForce))
	case "sos":
		_ = sosCmd.Parse(os.Args[2:])
		dieIf(cmdSOS(*sosAddr, *sosLang, *sosMethod, *sosPIN))
	default:
		usage()
	}
}

func usage() {
	fmt.Print(`vaultctl commands:

  verify    --audit audit.jsonl | --db vault.db
  logs      --audit audit.jsonl | --db vault.db [--kind emergency] [--from 2026-01-01T00:00:00Z]
  login     --addr http://127.0.0.1:8600
  status    --addr URL --token TOKEN
  configure --addr URL --token TOKEN --mode pin_protected --pin 4471
  generate  --addr URL --token TOKEN [--force]
  sos       --addr URL [--lang en] [--method pin --pin 4471 | --method open]

Examples:
  vaultctl verify --audit ./vault-data/audit.jsonl
  vaultctl logs --audit ./vault-data/audit.jsonl --kind emergency
  vaultctl sos --method open --lang es
`)
}

// openLog loads the audit chain from whichever backing was given.
func openLog(auditPath, dbPath string) (*audit.Log, func(), error) {
	nop := zerolog.Nop()
	switch {
	case auditPath != "":
		l, err := audit.Open(audit.NewFileSink(auditPath), nop)
		return l, func() {}, err
	case dbPath != "":
		db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, err
		}
		sink, err := audit.NewBoltSink(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		l, err := audit.Open(sink, nop)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return l, func() { _ = db.Close() }, nil
	}
	return nil, nil, errors.New("--audit or --db required")
}

func cmdVerify(auditPath, dbPath string) error {
	l, closeFn, err := openLog(auditPath, dbPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := l.Verify(); err != nil {
		var terr *audit.TamperError
		if errors.As(err, &terr) {
			return fmt.Errorf("chain broken at entry %d of %d", terr.Index, l.Len())
		}
		return err
	}
	fmt.Printf("audit chain intact: %d entries\n", l.Len())
	return nil
}

func cmdLogs(auditPath, dbPath, kind, from string) error {
	l, closeFn, err := openLog(auditPath, dbPath)
	if err != nil {
		return err
	}
	defer closeFn()

	start := time.Time{}
	if from != "" {
		start, err = time.Parse(time.RFC3339, from)
		if err != nil {
			return fmt.Errorf("bad --from: %w", err)
		}
	}
	for _, e := range l.Query(start, time.Now().Add(time.Second)) {
		if kind != "" && string(e.Kind) != kind {
			continue
		}
		status := "DENIED"
		if e.Success {
			status = "ok"
		}
		fmt.Printf("%s  %-20s %-18s %s\n", e.Time().Format(time.RFC3339), e.Kind, e.Method, status)
	}
	return nil
}

func cmdLogin(addr string) error {
	password, err := promptSecret("Vault password: ")
	if err != nil {
		return err
	}
	defer zero(password)

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := postJSON(addr+"/api/login", "", map[string]string{"password": string(password)}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func cmdStatus(addr, token string) error {
	if token == "" {
		return errors.New("--token required")
	}
	body, err := getJSON(addr+"/api/sos/status", token)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func cmdConfigure(addr, token, mode, pin string) error {
	if token == "" {
		return errors.New("--token required")
	}
	if mode == "" {
		return errors.New("--mode required")
	}
	req := map[string]string{"mode": mode}
	if pin != "" {
		req["pin"] = pin
	}
	if err := doJSON(http.MethodPut, addr+"/api/emergency/config", token, req, nil); err != nil {
		return err
	}
	fmt.Println("emergency access configured:", mode)
	return nil
}

func cmdGenerate(addr, token string, force bool) error {
	if token == "" {
		return errors.New("--token required")
	}
	if err := postJSON(addr+"/api/sos/generate", token, map[string]bool{"force": force}, nil); err != nil {
		return err
	}
	fmt.Println("summaries generated")
	return nil
}

// cmdSOS walks the full emergency path: request access, then fetch the
// summary with the granted session id.
func cmdSOS(addr, lang, method, pin string) error {
	var access struct {
		SessionID    string `json:"session_id"`
		AccessMethod string `json:"access_method"`
	}
	req := map[string]string{"method": method}
	if pin != "" {
		req["pin"] = pin
	}
	if err := postJSON(addr+"/api/emergency/access", "", req, &access); err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodGet, addr+"/api/sos/summary?lang="+lang, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-Emergency-Session", access.SessionID)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("summary: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var summary struct {
		Content     string    `json:"content"`
		GeneratedAt time.Time `json:"generated_at"`
		Source      string    `json:"source"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return err
	}
	fmt.Printf("access: %s  source: %s  generated: %s\n\n", access.AccessMethod, summary.Source, summary.GeneratedAt.Format(time.RFC3339))
	fmt.Println(summary.Content)
	return nil
}

// ============ Utilities ============

func postJSON(url, token string, req, resp any) error {
	return doJSON(http.MethodPost, url, token, req, resp)
}

func doJSON(method, url, token string, req, resp any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(method, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, url, httpResp.Status, bytes.TrimSpace(body))
	}
	if resp != nil {
		return json.Unmarshal(body, resp)
	}
	return nil
}

func getJSON(url, token string) ([]byte, error) {
	httpReq, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s: %s", url, resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	br := bufio.NewReader(os.Stdin)
	secret, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(secret) > 0 && secret[len(secret)-1] == '\n' {
		secret = secret[:len(secret)-1]
	}
	return secret, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
