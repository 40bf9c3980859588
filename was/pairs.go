package was

import "strings"

// pairKV is one (name, value) entry in an ordered multimap.
//
// Grounded on fasthttp.argsKV (args.go), adapted from []byte keys and
// values to strings since WAS packet payloads are decoded into
// request-lifetime strings rather than reused byte buffers.
type pairKV struct {
	key   string
	value string
}

// pairs is an insertion-ordered (name, value) multimap, shared by
// Headers (case-insensitive name lookup) and Params (exact-byte name
// lookup).
//
// Grounded on fasthttp.Args: a flat slice plus linear VisitAll/Peek,
// which is the right trade-off here too — WAS requests carry at most
// a few dozen headers/params, so a slice beats a map for both
// iteration-order fidelity and allocation count.
type pairs struct {
	items []pairKV
	fold  bool // true => case-insensitive name comparison (Headers)
}

func newPairs(fold bool) *pairs {
	return &pairs{fold: fold}
}

func (p *pairs) reset() {
	p.items = p.items[:0]
}

func (p *pairs) nameEqual(a, b string) bool {
	if p.fold {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// add appends a new (name, value) pair, preserving arrival order even
// if a pair with the same name already exists (spec §3: "ordered
// multimap").
func (p *pairs) add(name, value string) {
	p.items = append(p.items, pairKV{key: name, value: value})
}

// get returns the value of the first pair matching name, and whether
// one was found.
func (p *pairs) get(name string) (string, bool) {
	for _, kv := range p.items {
		if p.nameEqual(kv.key, name) {
			return kv.value, true
		}
	}
	return "", false
}

// getAll returns every value recorded under name, in arrival order.
func (p *pairs) getAll(name string) []string {
	var out []string
	for _, kv := range p.items {
		if p.nameEqual(kv.key, name) {
			out = append(out, kv.value)
		}
	}
	return out
}

// visitAll calls f for every pair, in insertion order.
func (p *pairs) visitAll(f func(name, value string)) {
	for _, kv := range p.items {
		f(kv.key, kv.value)
	}
}

func (p *pairs) len() int {
	return len(p.items)
}

// Headers is the ordered request-header multimap (case-insensitive
// name lookup, per spec §3).
type Headers struct{ p pairs }

func newHeaders() *Headers { return &Headers{p: pairs{fold: true}} }

func (h *Headers) add(name, value string)      { h.p.add(name, value) }
func (h *Headers) reset()                      { h.p.reset() }
func (h *Headers) Len() int                    { return h.p.len() }
func (h *Headers) Get(name string) (string, bool) { return h.p.get(name) }
func (h *Headers) GetAll(name string) []string { return h.p.getAll(name) }
func (h *Headers) VisitAll(f func(name, value string)) { h.p.visitAll(f) }

// Params is the ordered request-parameter multimap (exact-byte name
// lookup, per spec §3).
type Params struct{ p pairs }

func newParams() *Params { return &Params{p: pairs{fold: false}} }

func (pp *Params) add(name, value string)      { pp.p.add(name, value) }
func (pp *Params) reset()                      { pp.p.reset() }
func (pp *Params) Len() int                    { return pp.p.len() }
func (pp *Params) Get(name string) (string, bool) { return pp.p.get(name) }
func (pp *Params) VisitAll(f func(name, value string)) { pp.p.visitAll(f) }

// forbiddenResponseHeaders is the hop-by-hop / length-control header
// set that SetHeader and CopyAllHeaders must never forward (spec §4.2.2).
var forbiddenResponseHeaders = map[string]bool{
	"connection":        true,
	"transfer-encoding":  true,
	"content-length":     true,
	"upgrade":            true,
	"keep-alive":         true,
	"proxy-connection":   true,
	"te":                 true,
	"trailer":            true,
}

func isForbiddenResponseHeader(name string) bool {
	return forbiddenResponseHeaders[strings.ToLower(name)]
}
