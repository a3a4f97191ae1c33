package proto

// parserState is the Parser's own state machine.
type parserState int

const (
	stateReadHeader parserState = iota
	stateReadPayload
)

// Parser accumulates bytes delivered in arbitrarily small fragments
// and yields complete Messages; it never blocks and tolerates reads
// of any size, including single bytes.
type Parser struct {
	state   parserState
	hdrBuf  [HeaderSize]byte
	hdrLen  int
	hdr     Header
	payload []byte
	payLen  int
}

// NewParser returns a Parser ready to read the first header.
func NewParser() *Parser { return &Parser{} }

// Feed appends data to the parser's internal buffer and returns every
// Message that became complete as a result, in arrival order. An error
// is terminal: the caller must close the connection (PROTOCOL_ERROR or
// MESSAGE_TOO_LARGE) and stop feeding this parser.
func (p *Parser) Feed(data []byte) ([]Message, error) {
	var out []Message
	for len(data) > 0 {
		switch p.state {
		case stateReadHeader:
			n := copy(p.hdrBuf[p.hdrLen:], data)
			p.hdrLen += n
			data = data[n:]
			if p.hdrLen < HeaderSize {
				continue
			}
			h, err := ParseHeader(p.hdrBuf[:])
			if err != nil {
				return out, err
			}
			if h.Flags&FlagSHMData == 0 && h.Length > MaxMessageSize {
				return out, ErrTooLarge
			}
			p.hdr = h
			p.payload = make([]byte, h.Length)
			p.payLen = 0
			p.hdrLen = 0
			p.state = stateReadPayload
			if h.Length == 0 {
				out = append(out, Message{Header: p.hdr})
				p.state = stateReadHeader
			}
		case stateReadPayload:
			n := copy(p.payload[p.payLen:], data)
			p.payLen += n
			data = data[n:]
			if p.payLen < len(p.payload) {
				continue
			}
			out = append(out, Message{Header: p.hdr, Payload: p.payload})
			p.payload = nil
			p.payLen = 0
			p.state = stateReadHeader
		}
	}
	return out, nil
}
