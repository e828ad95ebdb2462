package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/pkg/keylock"
)

const (
	defaultKeyPrefix     = "argo:"
	maxResponseSizeBytes = 8 << 20

	markerNotFound     = "SESSION_NOT_FOUND"
	markerExists       = "SESSION_EXISTS"
	markerBadWatermark = "INVALID_WATERMARK"
)

// Each operation runs as one EVAL so the session hash, its turn list and
// the session index change together or not at all. The scripts touch the
// shared index next to per-session keys and listScript derives session keys
// from the index, so the store needs a single-shard database (Upstash Redis
// is one); a slot-enforcing cluster would reject them with CROSSSLOT.
const (
	createScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('SESSION_EXISTS')
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'created_at', ARGV[2], 'summary', '', 'folded_seq', 0, 'last_seq', 0)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 'OK'`

	appendScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('SESSION_NOT_FOUND')
end
local out = {}
for i = 3, #ARGV, 2 do
  local seq = redis.call('HINCRBY', KEYS[1], 'last_seq', 1)
  local turn = cjson.encode({session_id = ARGV[1], seq = seq, role = ARGV[i], content = ARGV[i + 1], created_at = ARGV[2]})
  redis.call('RPUSH', KEYS[2], turn)
  table.insert(out, turn)
end
return out`

	summaryScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('SESSION_NOT_FOUND')
end
local folded = tonumber(redis.call('HGET', KEYS[1], 'folded_seq'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seq'))
local through = tonumber(ARGV[2])
if through < folded or through > last then
  return redis.error_reply('INVALID_WATERMARK')
end
redis.call('HSET', KEYS[1], 'summary', ARGV[1], 'folded_seq', through)
return 'OK'`

	loadScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('SESSION_NOT_FOUND')
end
local s = redis.call('HMGET', KEYS[1], 'id', 'created_at', 'summary', 'folded_seq', 'last_seq')
local session = cjson.encode({id = s[1], created_at = s[2], summary = s[3], folded_seq = tonumber(s[4]), last_seq = tonumber(s[5])})
return {session, redis.call('LRANGE', KEYS[2], 0, -1)}`

	listScript = `
local ids = redis.call('ZREVRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
  local s = redis.call('HMGET', ARGV[1] .. 'session:' .. id, 'id', 'created_at', 'summary', 'folded_seq', 'last_seq')
  if s[1] then
    table.insert(out, cjson.encode({id = s[1], created_at = s[2], summary = s[3], folded_seq = tonumber(s[4]), last_seq = tonumber(s[5])}))
  end
end
return out`

	deleteScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('SESSION_NOT_FOUND')
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1`
)

func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			o.keyPrefix = trimmed
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

type UpstashConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// UpstashStore keeps sessions in Upstash Redis over its REST API. A session
// is a hash at {prefix}session:{id}, its turns a list of JSON documents at
// {prefix}turns:{id}, and {prefix}sessions indexes ids by creation time.
type UpstashStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	now        func() time.Time
	newID      func() string
	locks      *keylock.Locker
	logger     zerolog.Logger
}

var _ Store = (*UpstashStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashStore(cfg UpstashConfig, opts ...Option) (*UpstashStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: timeout}
	}

	return &UpstashStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: o.httpClient,
		keyPrefix:  o.keyPrefix,
		now:        o.now,
		newID:      o.newID,
		locks:      o.locks,
		logger:     o.logger,
	}, nil
}

func (s *UpstashStore) CreateSession(ctx context.Context) (contractx.Session, error) {
	sess := contractx.Session{
		ID:        s.newID(),
		CreatedAt: s.now().UTC(),
	}
	_, err := s.eval(ctx, "session.create", createScript,
		[]string{s.sessionKey(sess.ID), s.indexKey()},
		sess.ID, sess.CreatedAt.Format(time.RFC3339Nano), strconv.FormatInt(sess.CreatedAt.UnixMilli(), 10),
	)
	if err != nil {
		return contractx.Session{}, err
	}
	s.logger.Debug().Str("session_id", sess.ID).Msg("session created")
	return sess, nil
}

func (s *UpstashStore) AppendTurn(ctx context.Context, sessionID string, role contractx.Role, content string) (contractx.Turn, error) {
	turns, err := s.AppendTurns(ctx, sessionID, []contractx.TurnInput{{Role: role, Content: content}})
	if err != nil {
		return contractx.Turn{}, err
	}
	return turns[0], nil
}

func (s *UpstashStore) AppendTurns(ctx context.Context, sessionID string, inputs []contractx.TurnInput) ([]contractx.Turn, error) {
	const op = "session.append_turns"
	if err := validateSessionID(op, sessionID); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, contractx.ValidationError(op, nil, "no turns to append")
	}
	if err := validateInputs(op, inputs); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	args := make([]string, 0, 2+2*len(inputs))
	args = append(args, sessionID, s.now().UTC().Format(time.RFC3339Nano))
	for _, in := range inputs {
		args = append(args, string(in.Role), in.Content)
	}

	resp, err := s.eval(ctx, op, appendScript,
		[]string{s.sessionKey(sessionID), s.turnsKey(sessionID)}, args...)
	if err != nil {
		return nil, s.mapError(op, sessionID, err)
	}

	var encoded []string
	if err := json.Unmarshal(resp.Result, &encoded); err != nil {
		return nil, fmt.Errorf("decode appended turns: %w", err)
	}
	return decodeTurns(encoded)
}

func (s *UpstashStore) SetSummary(ctx context.Context, sessionID string, summary string, through int64) error {
	const op = "session.set_summary"
	if err := validateSessionID(op, sessionID); err != nil {
		return err
	}
	if through < 0 {
		return contractx.ValidationError(op, nil, "summary watermark %d is negative", through)
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.eval(ctx, op, summaryScript,
		[]string{s.sessionKey(sessionID)}, summary, strconv.FormatInt(through, 10))
	if err != nil {
		return s.mapError(op, sessionID, err)
	}
	return nil
}

func (s *UpstashStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	const op = "session.load"
	sess, turns, err := s.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: sess, Turns: unfolded(turns, sess.FoldedSeq)}, nil
}

func (s *UpstashStore) History(ctx context.Context, sessionID string) ([]contractx.Turn, error) {
	_, turns, err := s.load(ctx, "session.history", sessionID)
	return turns, err
}

func (s *UpstashStore) ListSessions(ctx context.Context) ([]contractx.Session, error) {
	resp, err := s.eval(ctx, "session.list", listScript, []string{s.indexKey()}, s.keyPrefix)
	if err != nil {
		return nil, err
	}

	var encoded []string
	if err := json.Unmarshal(resp.Result, &encoded); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	out := make([]contractx.Session, 0, len(encoded))
	for _, raw := range encoded {
		var sess contractx.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *UpstashStore) DeleteSession(ctx context.Context, sessionID string) error {
	const op = "session.delete"
	if err := validateSessionID(op, sessionID); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.eval(ctx, op, deleteScript,
		[]string{s.sessionKey(sessionID), s.turnsKey(sessionID), s.indexKey()}, sessionID)
	if err != nil {
		return s.mapError(op, sessionID, err)
	}
	s.logger.Debug().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

func (s *UpstashStore) load(ctx context.Context, op, sessionID string) (contractx.Session, []contractx.Turn, error) {
	if err := validateSessionID(op, sessionID); err != nil {
		return contractx.Session{}, nil, err
	}

	resp, err := s.eval(ctx, op, loadScript,
		[]string{s.sessionKey(sessionID), s.turnsKey(sessionID)})
	if err != nil {
		return contractx.Session{}, nil, s.mapError(op, sessionID, err)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(resp.Result, &parts); err != nil || len(parts) != 2 {
		return contractx.Session{}, nil, fmt.Errorf("decode session payload: unexpected shape %s", string(resp.Result))
	}

	var encodedSession string
	if err := json.Unmarshal(parts[0], &encodedSession); err != nil {
		return contractx.Session{}, nil, fmt.Errorf("decode session: %w", err)
	}
	var sess contractx.Session
	if err := json.Unmarshal([]byte(encodedSession), &sess); err != nil {
		return contractx.Session{}, nil, fmt.Errorf("unmarshal session: %w", err)
	}

	var encodedTurns []string
	if err := json.Unmarshal(parts[1], &encodedTurns); err != nil {
		return contractx.Session{}, nil, fmt.Errorf("decode turns: %w", err)
	}
	turns, err := decodeTurns(encodedTurns)
	if err != nil {
		return contractx.Session{}, nil, err
	}
	return sess, turns, nil
}

func decodeTurns(encoded []string) ([]contractx.Turn, error) {
	out := make([]contractx.Turn, 0, len(encoded))
	for _, raw := range encoded {
		var t contractx.Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// mapError turns script error markers into the store's typed errors.
func (s *UpstashStore) mapError(op, sessionID string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, markerNotFound):
		return notFound(op, sessionID)
	case strings.Contains(msg, markerBadWatermark):
		return contractx.ValidationError(op, nil, "summary watermark outside folded and last seq")
	case strings.Contains(msg, markerExists):
		return fmt.Errorf("%s: session id collision: %w", op, err)
	}
	return err
}

func (s *UpstashStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *UpstashStore) turnsKey(sessionID string) string {
	return s.keyPrefix + "turns:" + sessionID
}

func (s *UpstashStore) indexKey() string {
	return s.keyPrefix + "sessions"
}

func (s *UpstashStore) eval(ctx context.Context, op, script string, keys []string, args ...string) (*redisRESTResponse, error) {
	command := make([]any, 0, 3+len(keys)+len(args))
	command = append(command, "EVAL", script, strconv.Itoa(len(keys)))
	for _, k := range keys {
		command = append(command, k)
	}
	for _, a := range args {
		command = append(command, a)
	}
	resp, err := s.exec(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

func (s *UpstashStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	// Script errors come back as a non-2xx status with an error body.
	var parsed redisRESTResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if decodeErr == nil && parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode redis response: %w", decodeErr)
	}
	return &parsed, nil
}
