package was

import "github.com/pfirsich/cm4all-libwas/wasproto"

// requestState is the accumulated per-request metadata of spec.md §3.
// It is reset at the start of every Accept and mutated only by the
// engine (driven by incoming packets and application calls).
//
// Grounded on fasthttp.RequestHeader's reset-on-reuse pattern: one
// struct instance lives for the whole Simple lifetime and is reset in
// place rather than reallocated per request (server.go's serveConn
// loop calls Reset()/resetSkipNormalize() the same way).
type requestState struct {
	method      wasproto.Method
	uri         string
	scriptName  string
	pathInfo    string
	queryString string
	remoteHost  string

	headers *Headers
	params  *Params

	// bodyLength is the announced request body length, if any
	// (spec §3: "Some(u64) if announced, else unknown").
	bodyLength    uint64
	bodyLengthSet bool

	wantMetrics bool

	// generation increments on every reset, invalidating iterators
	// that were handed out against a previous request (see
	// Iterator.Next).
	generation uint64
}

func newRequestState() *requestState {
	return &requestState{headers: newHeaders(), params: newParams()}
}

// reset clears all fields to the defaults spec.md §3 specifies:
// method defaults to GET, everything else is empty/unknown.
func (r *requestState) reset() {
	r.method = wasproto.MethodGET
	r.uri = ""
	r.scriptName = ""
	r.pathInfo = ""
	r.queryString = ""
	r.remoteHost = ""
	r.headers.reset()
	r.params.reset()
	r.bodyLength = 0
	r.bodyLengthSet = false
	r.wantMetrics = false
	r.generation++
}
