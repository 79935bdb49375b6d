package master

import (
	"context"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestListAllPackages(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("list_packages_with_serial", xmlStruct(map[string]int64{"pkg-a": 10, "pkg-b": 7}))
	m := openMaster(t, idx, Options{})

	got, err := m.ListAllPackages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"pkg-a": 10, "pkg-b": 7}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListAllPackages() = %v, want %v", got, want)
	}
}

func TestListAllPackagesEmpty(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("list_packages_with_serial", "<struct></struct>")
	m := openMaster(t, idx, Options{})

	got, err := m.ListAllPackages(context.Background())
	if !errors.Is(err, ErrRemoteListUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteListUnavailable", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestChangedSince(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("changelog_since_serial", xmlChangelog(
		changelogRow{"pkg-a", "1.0", 1700000000, "new release", 8},
		changelogRow{"pkg-a", "1.1", 1700000100, "new release", 10},
		changelogRow{"pkg-b", "1.0", 1700000200, "new release", 6},
	))
	m := openMaster(t, idx, Options{})

	got, err := m.ChangedSince(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"pkg-a": 10, "pkg-b": 6}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChangedSince(5) = %v, want %v", got, want)
	}

	idx.mu.Lock()
	params := strings.Join(idx.rpcParams, "")
	idx.mu.Unlock()
	if !strings.Contains(params, ">5<") {
		t.Errorf("changelog_since_serial was not called with 5: %s", params)
	}
}

func TestChangedSinceEmpty(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("changelog_since_serial", "<array><data></data></array>")
	m := openMaster(t, idx, Options{})

	got, err := m.ChangedSince(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ChangedSince() = %#v, want empty map", got)
	}
}

func TestChangelogEntries(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("changelog_since_serial", xmlChangelog(
		changelogRow{"pkg-a", "1.0", 1700000000, "new release", 8},
	))
	m := openMaster(t, idx, Options{})

	entries, err := m.rpc.Changelog(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []ChangelogEntry{{
		Name:      "pkg-a",
		Version:   "1.0",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Action:    "new release",
		Serial:    8,
	}}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("Changelog() = %+v, want %+v", entries, want)
	}
}

func TestRPCFault(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setFault("changelog_since_serial", 1, "too many requests")
	m := openMaster(t, idx, Options{})

	_, err := m.ChangedSince(context.Background(), 1)
	var fault *RPCFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want *RPCFaultError", err)
	}
	if fault.Procedure != ProcChangelogSinceSerial {
		t.Errorf("fault.Procedure = %v", fault.Procedure)
	}
	if !strings.Contains(fault.Message, "too many requests") {
		t.Errorf("fault.Message = %q", fault.Message)
	}
}

func TestRPCHTTPError(t *testing.T) {
	t.Parallel()

	// no method registered: the stub answers 500
	idx := newTestIndex(t)
	m := openMaster(t, idx, Options{})

	_, err := m.ListAllPackages(context.Background())
	if statusCode(err) != 500 {
		t.Errorf("err = %v, want status 500", err)
	}
	if errors.Is(err, ErrRemoteListUnavailable) {
		t.Error("transport failure must not look like an empty listing")
	}
}

func TestRPCTimeoutIsSurfaced(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	idx.setRPC("changelog_since_serial", "<array><data></data></array>")
	idx.rpcDelay = 500 * time.Millisecond
	m := openMaster(t, idx, Options{Timeout: 50 * time.Millisecond})

	got, err := m.ChangedSince(context.Background(), 1)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if got != nil {
		t.Errorf("got %v on timeout, want nil", got)
	}
}

func TestFoldChangelog(t *testing.T) {
	t.Parallel()

	entries := []ChangelogEntry{
		{Name: "a", Serial: 3},
		{Name: "b", Serial: 9},
		{Name: "a", Serial: 12},
		{Name: "c", Serial: 1},
		{Name: "b", Serial: 4},
	}
	want := map[string]int64{"a": 12, "b": 9, "c": 1}

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]ChangelogEntry(nil), entries...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := FoldChangelog(shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("FoldChangelog(%v) = %v, want %v", shuffled, got, want)
		}
	}

	// entries older than what was already seen change nothing
	superset := append(append([]ChangelogEntry(nil), entries...),
		ChangelogEntry{Name: "a", Serial: 2}, ChangelogEntry{Name: "b", Serial: 8})
	if got := FoldChangelog(superset); !reflect.DeepEqual(got, want) {
		t.Errorf("FoldChangelog(superset) = %v, want %v", got, want)
	}
}

func TestProcedureString(t *testing.T) {
	t.Parallel()

	if s := ProcListPackagesWithSerial.String(); s != "list_packages_with_serial" {
		t.Errorf("String() = %q", s)
	}
	if s := Procedure(99).String(); s != "procedure(99)" {
		t.Errorf("String() = %q", s)
	}
}

func TestCallRejectsWrongArity(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t)
	m := openMaster(t, idx, Options{})

	var reply []interface{}
	if err := m.rpc.call(context.Background(), ProcChangelogSinceSerial, &reply); err == nil {
		t.Error("call without serial succeeded")
	}
	if err := m.rpc.call(context.Background(), Procedure(99), &reply); err == nil {
		t.Error("call of unknown procedure succeeded")
	}
}
