package avroipc

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
)

// Protocol is a parsed protocol document: the named types and methods a
// server supports.
type Protocol struct {
	Name      string
	Namespace string
	Types     []json.RawMessage
	Messages  map[string]Method

	// Text is the document as received.
	Text string
}

type protocolDoc struct {
	Protocol  string               `json:"protocol"`
	Namespace string               `json:"namespace"`
	Types     []json.RawMessage    `json:"types"`
	Messages  map[string]methodDoc `json:"messages"`
}

func ParseProtocol(doc string) (*Protocol, error) {
	var pd protocolDoc
	if err := json.Unmarshal([]byte(doc), &pd); err != nil {
		return nil, fmt.Errorf("parse protocol: %w", err)
	}
	if pd.Protocol == "" {
		return nil, fmt.Errorf("parse protocol: missing protocol name")
	}

	p := &Protocol{
		Name:      pd.Protocol,
		Namespace: pd.Namespace,
		Types:     pd.Types,
		Messages:  make(map[string]Method, len(pd.Messages)),
		Text:      doc,
	}
	for name, md := range pd.Messages {
		p.Messages[name] = Method{
			Name:      name,
			Namespace: pd.Namespace,
			Request:   md.Request,
			Response:  md.Response,
		}
	}
	return p, nil
}

func (p *Protocol) Method(name string) (Method, error) {
	m, ok := p.Messages[name]
	if !ok {
		return Method{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, p.Name, name)
	}
	return m, nil
}

// MethodNames returns the declared method names in sorted order.
func (p *Protocol) MethodNames() []string {
	names := make([]string, 0, len(p.Messages))
	for name := range p.Messages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Protocol) Hash() [16]byte {
	return ProtocolHash(p.Text)
}

// ProtocolHash is the MD5 digest of a protocol document, as exchanged in
// handshakes.
func ProtocolHash(doc string) [16]byte {
	return md5.Sum([]byte(doc))
}
