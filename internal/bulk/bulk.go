// Package bulk queues one email per recipient row of an uploaded CSV, for
// one-off announcement campaigns. The campaign id doubles as the dedup token
// so re-uploading the same file cannot double-send.
package bulk

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

// Recipient is one data row of the CSV: the address from the "Email" column
// plus every other column as template data.
type Recipient struct {
	Email  string
	Fields map[string]string
}

// ParseRecipients reads a CSV with a header row containing an "Email" column
// (case-insensitive). All other columns become per-recipient template fields.
// maxRows bounds how many data rows are read.
func ParseRecipients(r io.Reader, maxRows int) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	recipients := make([]Recipient, 0)
	for len(recipients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		recipients = append(recipients, Recipient{
			Email:  email,
			Fields: fields,
		})
	}

	if len(recipients) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return recipients, nil
}

// Campaign describes a bulk send applied to every recipient.
type Campaign struct {
	ID        string
	UserID    string
	EmailType models.EmailType
	Subject   string
}

// Result reports how the batch enqueue went.
type Result struct {
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
}

// Queue enqueues one job per recipient. The idempotency token is derived from
// the campaign id and the recipient address, so already-covered recipients
// come back as duplicates instead of double-sends.
func Queue(ctx context.Context, enq *queue.Enqueuer, c Campaign, recipients []Recipient) (Result, error) {
	if c.ID == "" {
		return Result{}, errors.New("campaign id is required")
	}

	var res Result
	for _, r := range recipients {
		data, err := json.Marshal(r.Fields)
		if err != nil {
			return res, fmt.Errorf("marshal fields for %s: %w", r.Email, err)
		}

		id, err := enq.Enqueue(ctx, queue.EnqueueRequest{
			UserID:           c.UserID,
			EmailTo:          r.Email,
			EmailType:        c.EmailType,
			Subject:          c.Subject,
			TemplateData:     data,
			UniqueIdentifier: c.ID + ":" + strings.ToLower(r.Email),
			Metadata:         map[string]string{"campaign_id": c.ID},
		})
		if err != nil {
			return res, err
		}

		if id == "" {
			res.Duplicates++
		} else {
			res.Queued++
		}
	}

	return res, nil
}
