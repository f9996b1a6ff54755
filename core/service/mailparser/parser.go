// Package mailparser turns a commit's raw email blob plus commit metadata
// into a normalised domain.EmailRecord.
package mailparser

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
	"mailarchive/pkg/apperr"
)

// Parser decodes raw email blobs into EmailRecords. It holds no mutable
// state beyond its logger, so a single instance is safe to share across
// concurrent parser workers.
type Parser struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "mail_parser").Logger()}
}

// Parse turns one (commit, raw blob, commit metadata) triple into an
// EmailRecord. It fails only on structurally malformed input; a missing
// optional header is never an error.
func (p *Parser) Parse(commit out.RawEmail, meta out.CommitMeta) (domain.EmailRecord, error) {
	if commit.Err != nil {
		return domain.EmailRecord{}, commit.Err
	}

	headers, bodyRaw, err := splitMessage(commit.Body)
	if err != nil {
		return domain.EmailRecord{}, apperr.ParseMalformed(commit.CommitID, err.Error())
	}

	encoding := strings.ToLower(strings.TrimSpace(headers.get("content-transfer-encoding")))
	body := decodeBody(bodyRaw, encoding)
	bodyText := sanitize(body)

	first, last := domain.NormalizeName(meta.AuthorName)
	displayName := domain.DisplayName(first, last)

	subject := meta.Subject
	isSeries, seriesNum, seriesTotal := domain.ExtractSeriesInfo(subject)
	isReply := domain.IsReplySubject(subject)

	messageID := stripAngleBrackets(headers.get("message-id"))
	if messageID == "" {
		messageID = "commit-" + commit.CommitID
	}

	inReplyTo := stripAngleBrackets(headers.get("in-reply-to"))
	references := splitReferences(headers.get("references"))

	return domain.EmailRecord{
		CommitHash:    commit.CommitID,
		AuthorFirst:   first,
		AuthorLast:    last,
		AuthorDisplay: displayName,
		AuthorEmail:   strings.ToLower(strings.TrimSpace(meta.AuthorEmail)),
		Subject:       subject,
		MessageID:     messageID,
		SentAtRaw:     strings.TrimSpace(headers.get("date")),
		BodyText:      bodyText,
		IsSeries:      isSeries,
		SeriesNum:     seriesNum,
		SeriesTotal:   seriesTotal,
		InReplyTo:     inReplyTo,
		References:    references,
		IsReply:       isReply,
	}, nil
}

// headerSet is a lower-cased, folded-continuation-aware header map. Mail
// headers may repeat (e.g. Received); this spec only ever reads
// single-valued headers, so the first occurrence wins.
type headerSet map[string]string

func (h headerSet) get(key string) string {
	return h[key]
}

// splitMessage separates RFC 5322 headers from the body, honouring folded
// continuation lines (a line beginning with whitespace continues the
// previous header).
func splitMessage(raw []byte) (headerSet, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, errEmptyMessage
	}

	reader := bufio.NewReader(bytes.NewReader(raw))
	headers := make(headerSet)

	var currentKey string
	var currentVal strings.Builder
	var bodyPrefix string
	flush := func() {
		if currentKey != "" {
			if _, seen := headers[currentKey]; !seen {
				headers[currentKey] = strings.TrimSpace(currentVal.String())
			}
		}
		currentKey = ""
		currentVal.Reset()
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" {
			// Blank line: end of headers, rest is body.
			flush()
			break
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && currentKey != "" {
			currentVal.WriteString(" ")
			currentVal.WriteString(strings.TrimSpace(trimmed))
		} else {
			flush()
			idx := strings.IndexByte(trimmed, ':')
			if idx < 0 {
				// Not a header line and no blank-line terminator seen yet;
				// tolerate it as the start of the body (some archives omit
				// the blank line before an empty body).
				bodyPrefix = line
				break
			}
			currentKey = strings.ToLower(strings.TrimSpace(trimmed[:idx]))
			currentVal.WriteString(strings.TrimSpace(trimmed[idx+1:]))
		}

		if err != nil {
			if err == io.EOF {
				flush()
				return headers, nil, nil
			}
			return nil, nil, err
		}
	}

	rest, _ := io.ReadAll(reader)
	return headers, append([]byte(bodyPrefix), rest...), nil
}

func decodeBody(raw []byte, encoding string) []byte {
	switch encoding {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	case "base64":
		cleaned := bytes.Map(func(r rune) rune {
			if r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, raw)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(decoded, cleaned)
		if err != nil {
			return raw
		}
		return decoded[:n]
	default:
		return raw
	}
}

// sanitize strips null bytes (the downstream store rejects them) and
// replaces invalid UTF-8 rather than rejecting it.
func sanitize(body []byte) string {
	body = bytes.ReplaceAll(body, []byte{0}, nil)
	if !utf8.Valid(body) {
		body = bytes.ToValidUTF8(body, []byte{})
	}
	s := string(body)
	s = strings.ReplaceAll(s, "�", "")
	return s
}

func stripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}

func splitReferences(raw string) []string {
	fields := strings.Fields(raw)
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		f = stripAngleBrackets(f)
		if f != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

var errEmptyMessage = errors.New("empty message")
