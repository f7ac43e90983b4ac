package llm

import (
	"encoding/json"
	"strings"

	"souq/souq/utils/logging"

	"go.uber.org/zap"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// streamChunk is the subset of an OpenAI-style stream event we read.
type streamChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ParseResult is what one Feed produced.
type ParseResult struct {
	Deltas []string
	// Done is set once the [DONE] sentinel has been seen.
	Done bool
}

type lineOutcome int

const (
	lineSkip lineOutcome = iota
	lineDelta
	lineDone
	lineMalformed
)

// EventParser incrementally decodes `data: {json}` lines from a chat
// completion stream. Feed it raw body chunks in order; the way the body is
// chunked never changes the deltas it yields for a well-formed stream.
type EventParser struct {
	dec  *textDecoder
	buf  string
	done bool
	// retrying is set while the line at the front of buf has already been
	// pushed back once.
	retrying bool
}

func NewEventParser() *EventParser {
	return &EventParser{dec: newTextDecoder()}
}

// Done reports whether the sentinel has been seen.
func (p *EventParser) Done() bool { return p.done }

// Feed appends chunk to the pending text and parses every complete line.
func (p *EventParser) Feed(chunk []byte) ParseResult {
	if p.done {
		return ParseResult{Done: true}
	}
	p.buf += p.dec.Decode(chunk, false)
	return p.drain(false)
}

// Finish parses whatever is left once the body has ended, including a final
// line without a trailing newline. The parser is done afterwards.
func (p *EventParser) Finish() ParseResult {
	if p.done {
		return ParseResult{Done: true}
	}
	p.buf += p.dec.Decode(nil, true)
	if p.buf != "" && !strings.HasSuffix(p.buf, "\n") {
		p.buf += "\n"
	}
	res := p.drain(true)
	p.done = true
	p.buf = ""
	return res
}

func (p *EventParser) drain(final bool) ParseResult {
	var res ParseResult
	for {
		idx := strings.IndexByte(p.buf, '\n')
		if idx < 0 {
			return res
		}
		line := strings.TrimSuffix(p.buf[:idx], "\r")
		p.buf = p.buf[idx+1:]

		delta, outcome := parseLine(line)
		switch outcome {
		case lineDone:
			p.done = true
			p.buf = ""
			res.Done = true
			return res
		case lineDelta:
			p.retrying = false
			if delta != "" {
				res.Deltas = append(res.Deltas, delta)
			}
		case lineMalformed:
			if final || p.retrying || strings.IndexByte(p.buf, '\n') >= 0 {
				// a line with complete lines after it will never parse
				logging.ErrorLogger.Error("dropping malformed stream event", zap.String("raw_line", line))
				p.retrying = false
				continue
			}
			// last complete line: wait for one more feed before giving up
			p.retrying = true
			p.buf = line + "\n" + p.buf
			return res
		default:
			p.retrying = false
		}
	}
}

func parseLine(line string) (string, lineOutcome) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", lineSkip
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", lineSkip
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return "", lineDone
	}
	if payload == "" {
		return "", lineSkip
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", lineMalformed
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
		return "", lineDelta
	}
	return chunk.Choices[0].Delta.Content, lineDelta
}
