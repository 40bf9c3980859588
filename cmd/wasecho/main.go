// Command wasecho is a minimal WAS worker: it echoes the request
// method and URI as response headers, then streams the request body
// back as the response body. It exists to exercise the was package end to end,
// the way fasthttp's examples/fileserver exists to exercise
// fasthttp.Server.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/pfirsich/cm4all-libwas/was"
)

var (
	controlFD = flag.Int("control-fd", was.DefaultControlFD, "control channel descriptor")
	inputFD   = flag.Int("input-fd", was.DefaultInputFD, "request body descriptor")
	outputFD  = flag.Int("output-fd", was.DefaultOutputFD, "response body descriptor")
)

func main() {
	flag.Parse()

	s, err := was.NewFDs(*controlFD, *inputFD, *outputFD)
	if err != nil {
		log.Fatalf("wasecho: %v", err)
	}
	defer s.Free()

	for {
		uri, ok := s.Accept()
		if !ok {
			break
		}
		if err := handle(s, uri); err != nil {
			log.Printf("wasecho: request %q: %v", uri, err)
			s.Abort()
		}
	}
}

func handle(s *was.Simple, uri string) error {
	s.SetHeader("Content-Type", "text/plain")
	s.SetHeader("X-Wasecho-Method", s.GetMethod())
	s.SetHeader("X-Wasecho-Uri", uri)

	if !s.HasBody() {
		s.Puts(fmt.Sprintf("%s %s (no body)\n", s.GetMethod(), uri))
		if !s.End() {
			return fmt.Errorf("end failed")
		}
		return nil
	}

	if !s.SpliceAll(true) {
		return fmt.Errorf("splice failed")
	}
	return nil
}
