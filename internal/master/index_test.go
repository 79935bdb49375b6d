package master

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

// testIndex is a stub package index speaking the JSON API and XML-RPC.
type testIndex struct {
	server *httptest.Server

	mu        sync.Mutex
	rpc       map[string]string // method name -> <params> or <fault> body
	rpcDelay  time.Duration
	pages     map[string]testPage
	userAgent []string
	rpcParams []string
}

type testPage struct {
	status int
	serial string // empty means no serial header
	body   string
	delay  time.Duration
}

var methodNameRx = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)
var paramsRx = regexp.MustCompile(`(?s)<params>(.*)</params>`)

func newTestIndex(t *testing.T) *testIndex {
	t.Helper()
	idx := &testIndex{
		rpc:   make(map[string]string),
		pages: make(map[string]testPage),
	}
	idx.server = httptest.NewServer(http.HandlerFunc(idx.handle))
	t.Cleanup(idx.server.Close)
	return idx
}

func (idx *testIndex) URL() string {
	return idx.server.URL
}

func (idx *testIndex) setPage(path string, p testPage) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if p.status == 0 {
		p.status = http.StatusOK
	}
	idx.pages[path] = p
}

func (idx *testIndex) setRPC(method, value string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rpc[method] = "<params><param><value>" + value + "</value></param></params>"
}

func (idx *testIndex) setFault(method string, code int, msg string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rpc[method] = fmt.Sprintf(`<fault><value><struct>`+
		`<member><name>faultCode</name><value><int>%d</int></value></member>`+
		`<member><name>faultString</name><value><string>%s</string></value></member>`+
		`</struct></value></fault>`, code, msg)
}

func (idx *testIndex) userAgents() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]string(nil), idx.userAgent...)
}

func (idx *testIndex) handle(w http.ResponseWriter, r *http.Request) {
	idx.mu.Lock()
	idx.userAgent = append(idx.userAgent, r.Header.Get("User-Agent"))
	idx.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/pypi" {
		idx.handleRPC(w, r)
		return
	}

	idx.mu.Lock()
	p, ok := idx.pages[r.URL.Path]
	idx.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.serial != "" {
		w.Header().Set(SerialHeader, p.serial)
	}
	w.WriteHeader(p.status)
	_, _ = io.WriteString(w, p.body)
}

func (idx *testIndex) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := methodNameRx.FindSubmatch(body)
	if m == nil {
		http.Error(w, "no method", http.StatusBadRequest)
		return
	}

	idx.mu.Lock()
	resp, ok := idx.rpc[string(m[1])]
	delay := idx.rpcDelay
	if pm := paramsRx.FindSubmatch(body); pm != nil {
		idx.rpcParams = append(idx.rpcParams, string(pm[1]))
	}
	idx.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		http.Error(w, "unknown method", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, `<?xml version="1.0"?><methodResponse>`+resp+`</methodResponse>`)
}

func xmlStruct(members map[string]int64) string {
	var b strings.Builder
	b.WriteString("<struct>")
	for name, serial := range members {
		fmt.Fprintf(&b, "<member><name>%s</name><value><int>%d</int></value></member>", name, serial)
	}
	b.WriteString("</struct>")
	return b.String()
}

type changelogRow struct {
	name, version string
	ts            int64
	action        string
	serial        int64
}

func xmlChangelog(rows ...changelogRow) string {
	var b strings.Builder
	b.WriteString("<array><data>")
	for _, r := range rows {
		fmt.Fprintf(&b, "<value><array><data>"+
			"<value><string>%s</string></value>"+
			"<value><string>%s</string></value>"+
			"<value><int>%d</int></value>"+
			"<value><string>%s</string></value>"+
			"<value><int>%d</int></value>"+
			"</data></array></value>", r.name, r.version, r.ts, r.action, r.serial)
	}
	b.WriteString("</data></array>")
	return b.String()
}

// openMaster returns an opened Master for idx, closed at test cleanup.
func openMaster(t *testing.T, idx *testIndex, opts Options) *Master {
	t.Helper()
	opts.URL = idx.URL()
	opts.AllowNonHTTPS = true
	m, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}
