package wasproto

// Method is the 8-bit HTTP method code carried by a METHOD packet.
//
// The set mirrors the common HTTP/1.1 and WebDAV verbs; unknown wire
// values decode successfully (Method is just a byte) but stringify as
// "UNKNOWN".
type Method uint8

const (
	MethodGET Method = iota + 1
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOPTIONS
	MethodTRACE
	MethodCONNECT
	MethodPATCH
	MethodPROPFIND
	MethodPROPPATCH
	MethodMKCOL
	MethodCOPY
	MethodMOVE
	MethodLOCK
	MethodUNLOCK
)

var methodNames = map[Method]string{
	MethodGET:       "GET",
	MethodHEAD:      "HEAD",
	MethodPOST:      "POST",
	MethodPUT:       "PUT",
	MethodDELETE:    "DELETE",
	MethodOPTIONS:   "OPTIONS",
	MethodTRACE:     "TRACE",
	MethodCONNECT:   "CONNECT",
	MethodPATCH:     "PATCH",
	MethodPROPFIND:  "PROPFIND",
	MethodPROPPATCH: "PROPPATCH",
	MethodMKCOL:     "MKCOL",
	MethodCOPY:      "COPY",
	MethodMOVE:      "MOVE",
	MethodLOCK:      "LOCK",
	MethodUNLOCK:    "UNLOCK",
}

var methodByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

// String returns the method's textual name, defaulting to "UNKNOWN"
// for wire values outside the known table.
func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseMethod maps an HTTP method name to its wire code. Unknown names
// map to MethodGET, matching the request-state default of spec.md §3.
func ParseMethod(name string) Method {
	if m, ok := methodByName[name]; ok {
		return m
	}
	return MethodGET
}
