package adapters

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresBackup dumps a database with pg_dump. The step's "connection"
// config names a secret holding the DSN.
type PostgresBackup struct {
	Secrets SecretResolver
	Runner  CommandRunner
	// Binary defaults to "pg_dump".
	Binary string
}

func (a *PostgresBackup) Run(ctx context.Context, req Request) error {
	ref, err := configValue(req.Step, "connection")
	if err != nil {
		return err
	}
	if a.Secrets == nil {
		return fmt.Errorf("step %s: no secret resolver configured", req.Step.ID)
	}
	dsn, err := a.Secrets.Resolve(ref)
	if err != nil {
		return fmt.Errorf("step %s: %w", req.Step.ID, err)
	}
	cmd, err := a.command(dsn, req.Step.Config["format"])
	if err != nil {
		return fmt.Errorf("step %s: %w", req.Step.ID, err)
	}

	name := "dump.sql"
	if req.Step.Config["format"] == "custom" {
		name = "dump.pgdump"
	}
	return writeStream(ctx, req.Store, req.Output.Entry(name), func(w io.Writer) error {
		return a.Runner.Run(ctx, cmd, w)
	})
}

// command builds the pg_dump invocation. Credentials travel in PG*
// variables so they never appear in the process list.
func (a *PostgresBackup) command(dsn, format string) (Command, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return Command{}, fmt.Errorf("invalid connection string: %w", err)
	}
	bin := a.Binary
	if bin == "" {
		bin = "pg_dump"
	}
	args := []string{"--no-password"}
	switch format {
	case "", "plain":
		args = append(args, "--format=plain")
	case "custom":
		args = append(args, "--format=custom")
	default:
		return Command{}, fmt.Errorf("unsupported dump format %q", format)
	}

	settings, err := connSettings(dsn)
	if err != nil {
		return Command{}, fmt.Errorf("invalid connection string: %w", err)
	}

	hosts, ports := hostList(cfg)
	env := []string{
		"PGHOST=" + hosts,
		"PGPORT=" + ports,
		"PGDATABASE=" + cfg.Database,
		"PGUSER=" + cfg.User,
	}
	if cfg.Password != "" {
		env = append(env, "PGPASSWORD="+cfg.Password)
	}
	for _, key := range forwardedSettings {
		if v, ok := settings[key]; ok {
			env = append(env, libpqEnv[key]+"="+v)
		}
	}
	return Command{Name: bin, Args: args, Env: env}, nil
}

// forwardedSettings are the connection parameters pg_dump must see to
// reach the server the same way the DSN describes.
var forwardedSettings = []string{
	"sslmode", "sslrootcert", "sslcert", "sslkey", "sslcrl", "sslsni",
	"target_session_attrs", "connect_timeout", "application_name",
}

var libpqEnv = map[string]string{
	"sslmode":              "PGSSLMODE",
	"sslrootcert":          "PGSSLROOTCERT",
	"sslcert":              "PGSSLCERT",
	"sslkey":               "PGSSLKEY",
	"sslcrl":               "PGSSLCRL",
	"sslsni":               "PGSSLSNI",
	"target_session_attrs": "PGTARGETSESSIONATTRS",
	"connect_timeout":      "PGCONNECT_TIMEOUT",
	"application_name":     "PGAPPNAME",
}

// hostList joins the primary host and its fallbacks in libpq's
// comma-separated form. pgconn expands sslmode=prefer into a TLS and a
// plaintext attempt per host, so repeats are collapsed.
func hostList(cfg *pgconn.Config) (string, string) {
	var hosts, ports []string
	seen := map[string]bool{}
	add := func(host string, port uint16) {
		key := host + ":" + strconv.Itoa(int(port))
		if seen[key] {
			return
		}
		seen[key] = true
		hosts = append(hosts, host)
		ports = append(ports, strconv.Itoa(int(port)))
	}
	add(cfg.Host, cfg.Port)
	for _, fb := range cfg.Fallbacks {
		add(fb.Host, fb.Port)
	}
	return strings.Join(hosts, ","), strings.Join(ports, ",")
}

// connSettings returns the raw parameters of a URL or keyword/value DSN.
// pgconn.ParseConfig folds the SSL options into a tls.Config and does not
// hand them back.
func connSettings(dsn string) (map[string]string, error) {
	settings := map[string]string{}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		for k, v := range u.Query() {
			if len(v) > 0 {
				settings[k] = v[len(v)-1]
			}
		}
		return settings, nil
	}

	s := strings.TrimSpace(dsn)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '=' after %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimLeft(s[eq+1:], " \t\n\r")

		var val strings.Builder
		if strings.HasPrefix(s, "'") {
			closed := false
			for i := 1; i < len(s); i++ {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					i++
					val.WriteByte(s[i])
					continue
				}
				if c == '\'' {
					s, closed = s[i+1:], true
					break
				}
				val.WriteByte(c)
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
		} else {
			end := strings.IndexAny(s, " \t\n\r")
			if end < 0 {
				end = len(s)
			}
			val.WriteString(s[:end])
			s = s[end:]
		}
		settings[key] = val.String()
		s = strings.TrimLeft(s, " \t\n\r")
	}
	return settings, nil
}
