package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// InsertLog appends one request log row.
func (s *Store) InsertLog(ctx context.Context, log *gateway.RequestLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (id, request_id, user_key_id, user_key_hash,
		 model_requested, model_sent, provider_id, provider_kind, status_code,
		 is_error, prompt_tokens, completion_tokens, total_tokens, latency_ms,
		 is_stream, request_body, response_body, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, nullStr(log.RequestID), nullStr(log.UserKeyID), log.UserKeyHash,
		log.ModelRequested, log.ModelSent, nullStr(log.ProviderID), nullStr(log.ProviderKind),
		log.StatusCode, boolToInt(log.IsError),
		nullInt(log.PromptTokens), nullInt(log.CompletionTokens), nullInt(log.TotalTokens),
		log.LatencyMs, boolToInt(log.IsStream),
		nullRaw(log.RequestBody), nullRaw(log.ResponseBody),
		nullStr(log.ErrorMessage), timeToStr(log.CreatedAt),
	)
	return err
}

// ListLogs returns one page of logs newest-first and the total row count for
// the filter. Page numbering starts at 1; per_page is clamped to [1, 200]
// with a default of 50.
func (s *Store) ListLogs(ctx context.Context, f gateway.LogFilter) ([]*gateway.RequestLogInfo, int64, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}

	where := ` WHERE 1=1`
	var args []any
	if f.KeyID != "" {
		where += ` AND l.user_key_id = ?`
		args = append(args, f.KeyID)
	}
	if f.Model != "" {
		where += ` AND l.model_requested = ?`
		args = append(args, f.Model)
	}

	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs l`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT l.id, l.request_id, l.user_key_id, l.model_requested, l.model_sent,
		       l.provider_id, l.provider_kind, l.status_code, l.is_error,
		       l.prompt_tokens, l.completion_tokens, l.total_tokens,
		       CASE WHEN l.prompt_tokens IS NULL AND l.completion_tokens IS NULL THEN NULL
		            ELSE CAST(ROUND(
		                COALESCE(l.prompt_tokens, 0) * COALESCE(m.input_token_coefficient, 1.0) +
		                COALESCE(l.completion_tokens, 0) * COALESCE(m.output_token_coefficient, 1.0)
		            ) AS INTEGER)
		       END AS weighted_total_tokens,
		       l.latency_ms, l.is_stream, l.request_body, l.response_body,
		       l.error_message, l.created_at
		FROM request_logs l
		LEFT JOIN models m ON l.model_requested = m.name` +
		where + ` ORDER BY l.created_at DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*gateway.RequestLogInfo
	for rows.Next() {
		l, err := scanLogInfo(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// DeleteLogsBefore removes log rows older than cutoff and returns how many
// were deleted.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, timeToStr(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawPtr(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func scanLogInfo(sc scanner) (*gateway.RequestLogInfo, error) {
	var l gateway.RequestLogInfo
	var requestID, userKeyID, providerID, providerKind, errMsg sql.NullString
	var reqBody, respBody sql.NullString
	var prompt, completion, total, weighted sql.NullInt64
	var isError, isStream int
	var createdAt string

	err := sc.Scan(&l.ID, &requestID, &userKeyID, &l.ModelRequested, &l.ModelSent,
		&providerID, &providerKind, &l.StatusCode, &isError,
		&prompt, &completion, &total, &weighted,
		&l.LatencyMs, &isStream, &reqBody, &respBody, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	l.RequestID = strPtr(requestID)
	l.UserKeyID = strPtr(userKeyID)
	l.ProviderID = strPtr(providerID)
	l.ProviderKind = strPtr(providerKind)
	l.IsError = isError != 0
	l.PromptTokens = intPtr(prompt)
	l.CompletionTokens = intPtr(completion)
	l.TotalTokens = intPtr(total)
	l.WeightedTotalTokens = intPtr(weighted)
	l.IsStream = isStream != 0
	l.RequestBody = rawPtr(reqBody)
	l.ResponseBody = rawPtr(respBody)
	l.ErrorMessage = strPtr(errMsg)
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}
