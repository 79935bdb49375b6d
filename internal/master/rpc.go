package master

import (
	"context"
	"log/slog"
	"math"
	"net/rpc"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kolo/xmlrpc"

	"github.com/mirrorctl/pypimirror/internal/metrics"
)

// Procedure is one of the XML-RPC calls the gateway supports.
type Procedure int

const (
	// ProcListPackagesWithSerial returns {name: last serial} for every project.
	ProcListPackagesWithSerial Procedure = iota + 1
	// ProcChangelogSinceSerial returns the changelog rows after a serial.
	ProcChangelogSinceSerial
)

type procedureSpec struct {
	method string
	arity  int
}

var procedures = map[Procedure]procedureSpec{
	ProcListPackagesWithSerial: {method: "list_packages_with_serial", arity: 0},
	ProcChangelogSinceSerial:   {method: "changelog_since_serial", arity: 1},
}

func (p Procedure) String() string {
	if spec, ok := procedures[p]; ok {
		return spec.method
	}
	return "procedure(" + strconv.Itoa(int(p)) + ")"
}

// ChangelogEntry is one row of the index changelog.
type ChangelogEntry struct {
	Name      string
	Version   string
	Timestamp time.Time
	Action    string
	Serial    int64
}

// RPCGateway issues XML-RPC calls to <base>/pypi over a Session.
type RPCGateway struct {
	session *Session
	url     string
}

// NewRPCGateway returns a gateway sharing s.
func NewRPCGateway(s *Session) *RPCGateway {
	return &RPCGateway{session: s, url: s.BaseURL() + "/pypi"}
}

// URL returns the XML-RPC endpoint.
func (g *RPCGateway) URL() string {
	return g.url
}

// call dispatches proc. Timeouts are logged and returned marked ErrTimeout
// so callers never mistake them for an empty answer.
func (g *RPCGateway) call(ctx context.Context, proc Procedure, reply interface{}, args ...interface{}) error {
	spec, ok := procedures[proc]
	if !ok {
		return errors.Newf("unsupported procedure %s", proc)
	}
	if len(args) != spec.arity {
		return errors.Newf("%s takes %d arguments, got %d", proc, spec.arity, len(args))
	}

	start := time.Now()
	err := g.invoke(ctx, spec.method, reply, args)
	metrics.Observe(metrics.KindRPC, resultOf(err), start)
	if err != nil {
		if IsTimeout(err) {
			slog.Error("XML-RPC call timed out", "method", spec.method, "url", g.url, "error", err)
		}
		return errors.Wrapf(err, "call to %s @ %s", spec.method, g.url)
	}
	return nil
}

func (g *RPCGateway) invoke(ctx context.Context, method string, reply interface{}, args []interface{}) error {
	client, err := xmlrpc.NewClient(g.url, g.session.RoundTripper(ctx))
	if err != nil {
		return err
	}
	defer client.Close()

	var params interface{}
	if len(args) > 0 {
		params = args
	}
	err = client.Call(method, params, reply)

	var fault rpc.ServerError
	if errors.As(err, &fault) {
		return &RPCFaultError{Procedure: procedureByMethod(method), Message: string(fault)}
	}
	return err
}

func procedureByMethod(method string) Procedure {
	for p, spec := range procedures {
		if spec.method == method {
			return p
		}
	}
	return 0
}

// ListAllPackages returns every project with its last serial. An empty
// answer is ErrRemoteListUnavailable.
func (g *RPCGateway) ListAllPackages(ctx context.Context) (map[string]int64, error) {
	var raw map[string]interface{}
	if err := g.call(ctx, ProcListPackagesWithSerial, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrRemoteListUnavailable
	}

	packages := make(map[string]int64, len(raw))
	for name, v := range raw {
		serial, err := toInt64(v)
		if err != nil {
			return nil, errors.Wrapf(err, "serial of %s", name)
		}
		packages[name] = serial
	}
	return packages, nil
}

// Changelog returns the raw changelog rows after lastSerial. A null answer
// is an empty changelog.
func (g *RPCGateway) Changelog(ctx context.Context, lastSerial int64) ([]ChangelogEntry, error) {
	var rows []interface{}
	if err := g.call(ctx, ProcChangelogSinceSerial, &rows, lastSerial); err != nil {
		return nil, err
	}

	entries := make([]ChangelogEntry, 0, len(rows))
	for i, row := range rows {
		entry, err := parseChangelogRow(row)
		if err != nil {
			return nil, errors.Wrapf(err, "changelog row %d", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ChangedSince returns {name: max serial} for projects changed after
// lastSerial.
func (g *RPCGateway) ChangedSince(ctx context.Context, lastSerial int64) (map[string]int64, error) {
	entries, err := g.Changelog(ctx, lastSerial)
	if err != nil {
		return nil, err
	}
	return FoldChangelog(entries), nil
}

// FoldChangelog keeps the highest serial seen for each package. The result
// does not depend on the order of entries.
func FoldChangelog(entries []ChangelogEntry) map[string]int64 {
	packages := make(map[string]int64)
	for _, e := range entries {
		if cur, ok := packages[e.Name]; !ok || e.Serial > cur {
			packages[e.Name] = e.Serial
		}
	}
	return packages
}

// parseChangelogRow decodes [name, version, timestamp, action, serial].
func parseChangelogRow(row interface{}) (ChangelogEntry, error) {
	fields, ok := row.([]interface{})
	if !ok || len(fields) != 5 {
		return ChangelogEntry{}, errors.Newf("unexpected changelog row %v", row)
	}

	var e ChangelogEntry
	if e.Name, ok = fields[0].(string); !ok || e.Name == "" {
		return e, errors.Newf("bad package name %v", fields[0])
	}
	// version is nil for project-level actions
	e.Version, _ = fields[1].(string)
	if fields[2] != nil {
		ts, err := toInt64(fields[2])
		if err != nil {
			return e, errors.Wrap(err, "timestamp")
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
	}
	e.Action, _ = fields[3].(string)
	serial, err := toInt64(fields[4])
	if err != nil {
		return e, errors.Wrap(err, "serial")
	}
	e.Serial = serial
	return e, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf("non-integral value %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, errors.Newf("unexpected %T value %v", v, v)
}
