package wire

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalid tags rows that fail the boundary shape check.
var ErrInvalid = errors.New("invalid message")

var (
	digitsRe       = regexp.MustCompile(`^\d+$`)
	signedDigitsRe = regexp.MustCompile(`^-?\d+$`)
)

// ParsedMessage is a message whose numeric wire fields passed validation and
// were decoded to native integers. DateSent is 0 when absent.
type ParsedMessage struct {
	ID       int64
	ThreadID int64
	Sender   string
	Body     string
	Type     string
	Date     int64
	DateSent int64
	Read     bool
	Seen     bool
	IsMe     bool

	Attachments []Attachment
}

// RowError records one dropped row during partitioning.
type RowError struct {
	Index int
	ID    string
	Err   error
}

// ParseMessage runs the boundary shape check on a single message DTO.
// id, threadId, and date must be unsigned decimal strings; dateSent, when
// present, may be signed (some devices report clock-skewed sent times).
func ParseMessage(m Message) (*ParsedMessage, error) {
	if !digitsRe.MatchString(m.ID) {
		return nil, fmt.Errorf("%w: id %q", ErrInvalid, m.ID)
	}
	if !digitsRe.MatchString(m.ThreadID) {
		return nil, fmt.Errorf("%w: threadId %q", ErrInvalid, m.ThreadID)
	}
	if !digitsRe.MatchString(m.Date) {
		return nil, fmt.Errorf("%w: date %q", ErrInvalid, m.Date)
	}
	if m.DateSent != "" && !signedDigitsRe.MatchString(m.DateSent) {
		return nil, fmt.Errorf("%w: dateSent %q", ErrInvalid, m.DateSent)
	}
	if m.Type != TypeSMS && m.Type != TypeMMS {
		return nil, fmt.Errorf("%w: type %q", ErrInvalid, m.Type)
	}

	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q overflows", ErrInvalid, m.ID)
	}
	threadID, err := strconv.ParseInt(m.ThreadID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: threadId %q overflows", ErrInvalid, m.ThreadID)
	}
	date, err := strconv.ParseInt(m.Date, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q overflows", ErrInvalid, m.Date)
	}
	var dateSent int64
	if m.DateSent != "" {
		dateSent, err = strconv.ParseInt(m.DateSent, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: dateSent %q overflows", ErrInvalid, m.DateSent)
		}
	}

	return &ParsedMessage{
		ID:          id,
		ThreadID:    threadID,
		Sender:      m.Sender,
		Body:        m.Body,
		Type:        m.Type,
		Date:        date,
		DateSent:    dateSent,
		Read:        m.Read,
		Seen:        m.Seen,
		IsMe:        m.IsMe,
		Attachments: m.Attachments,
	}, nil
}

// Partition splits messages into parsed rows and per-row errors, so batch
// processing works on explicit apply/skip lists instead of exceptions.
func Partition(msgs []Message) (valid []*ParsedMessage, invalid []RowError) {
	for i, m := range msgs {
		p, err := ParseMessage(m)
		if err != nil {
			invalid = append(invalid, RowError{Index: i, ID: m.ID, Err: err})
			continue
		}
		valid = append(valid, p)
	}
	return valid, invalid
}

// ParseID validates a wire identifier (conversation or message id).
func ParseID(s string) (int64, error) {
	if !digitsRe.MatchString(s) {
		return 0, fmt.Errorf("%w: id %q", ErrInvalid, s)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q overflows", ErrInvalid, s)
	}
	return id, nil
}
