package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/h2non/filetype"
)

const fileSizeTTL = 10 * time.Minute

// Client is the REST half of the transport. It attaches the access token
// transparently, retries network failures of idempotent calls once, maps
// failures onto the gateway error taxonomy, and validates inbound messages
// before they can reach any store.
type Client struct {
	base   string
	token  string
	selfID string
	httpc  *http.Client
	log    *slog.Logger

	// file-size-by-URL lookups are memoized here rather than in ambient
	// module state; the cache dies with the client's context.
	sizes geche.Geche[string, int64]
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	UserID     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(ctx context.Context, opts ClientOptions) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   opts.BaseURL,
		token:  opts.Token,
		selfID: opts.UserID,
		httpc:  httpc,
		log:    logger,
		sizes:  geche.NewMapTTLCache[string, int64](ctx, fileSizeTTL, time.Minute),
	}
}

// TokenValid reports whether the configured access token exists and has not
// expired. The expiry claim is read without signature verification; the
// gateway remains the authority, this only pre-empts calls that are certain
// to fail.
func (c *Client) TokenValid() bool {
	if c.token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		// Opaque (non-JWT) tokens are passed through as-is.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(time.Now())
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	if c.token != "" && !c.TokenValid() {
		return &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("access token expired")}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	attempts := 1
	if method == http.MethodGet || method == http.MethodHead {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return netError(op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = netError(op, err)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = netError(op, err)
			continue
		}

		if resp.StatusCode >= 400 {
			return statusError(op, resp.StatusCode)
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
			}
		}
		return nil
	}
	return lastErr
}

// clean sanitizes and validates messages at the transport boundary. Unknown
// types and malformed entries are quarantined: logged and dropped, never
// handed to the store.
func (c *Client) clean(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == models.MessageText {
			m.Content = content.Sanitize(m.Content)
		}
		if m.Recalled {
			m.Content = models.RecallTombstone
		}
		if err := m.Validate(); err != nil {
			c.log.Warn("quarantined inbound message",
				"message_id", m.ID, "conversation_id", m.ConversationID, "type", string(m.Type))
			continue
		}
		m.Status = models.StatusConfirmed
		out = append(out, m)
	}
	return out
}

// CleanEvent applies the same boundary validation to a push event's payload.
// It returns false when the event must be dropped.
func (c *Client) CleanEvent(ev *models.PushEvent) bool {
	if ev.Message == nil {
		return true
	}
	cleaned := c.clean([]models.Message{*ev.Message})
	if len(cleaned) == 0 {
		return false
	}
	ev.Message = &cleaned[0]
	return true
}

// --- conversations ---

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	err := c.do(ctx, "conversations.list", http.MethodGet, "/conversations/user", nil, nil, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, "conversations.get", http.MethodGet, "/conversations/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Members(ctx context.Context, id string) ([]models.User, error) {
	var out []models.User
	err := c.do(ctx, "conversations.members", http.MethodGet, "/conversations/"+id+"/members", nil, nil, &out)
	return out, err
}

func (c *Client) CreateConversation(ctx context.Context, recipientID string) (*models.Conversation, error) {
	var out models.Conversation
	body := map[string]string{"recipientId": recipientID}
	if err := c.do(ctx, "conversations.create", http.MethodPost, "/conversations", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*models.Conversation, error) {
	var out models.Conversation
	body := map[string]any{"name": name, "members": members}
	if err := c.do(ctx, "groups.create", http.MethodPost, "/groups", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RenameGroup(ctx context.Context, id, name string) error {
	return c.do(ctx, "groups.rename", http.MethodPut, "/groups/"+id+"/name", nil, map[string]string{"name": name}, nil)
}

func (c *Client) SetGroupAvatar(ctx context.Context, id, avatarURL string) error {
	return c.do(ctx, "groups.avatar", http.MethodPut, "/groups/"+id+"/avatar", nil, map[string]string{"avatarUrl": avatarURL}, nil)
}

func (c *Client) AddMember(ctx context.Context, convID, userID string) error {
	return c.do(ctx, "conversations.addMember", http.MethodPost, "/conversations/"+convID+"/members/"+userID, nil, nil, nil)
}

func (c *Client) RemoveMember(ctx context.Context, convID, userID string) error {
	return c.do(ctx, "conversations.removeMember", http.MethodDelete, "/conversations/"+convID+"/members/"+userID, nil, nil, nil)
}

func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, "groups.delete", http.MethodDelete, "/conversations/"+id, nil, nil, nil)
}

func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := c.do(ctx, "conversations.unread", http.MethodGet, "/conversations/unread-count", nil, nil, &out)
	return out, err
}

func (c *Client) PinConversation(ctx context.Context, id string) error {
	return c.do(ctx, "conversations.pin", http.MethodPost, "/conversations/"+id+"/pin-conversation", nil, nil, nil)
}

func (c *Client) UnpinConversation(ctx context.Context, id string) error {
	return c.do(ctx, "conversations.unpin", http.MethodPost, "/conversations/"+id+"/unpin-conversation", nil, nil, nil)
}

func (c *Client) MarkUnread(ctx context.Context, id string) error {
	return c.do(ctx, "conversations.markUnread", http.MethodPost, "/conversations/"+id+"/mark-unread", nil, nil, nil)
}

func (c *Client) ToggleNotifications(ctx context.Context, id string) error {
	return c.do(ctx, "conversations.toggleNotifications", http.MethodPost, "/conversations/"+id+"/toggle-notifications", nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, "conversations.markRead", http.MethodPost, "/conversations/"+id+"/mark-read", nil, nil, nil)
}

// --- message pages ---

// LatestPage returns the newest page of a conversation, oldest first.
func (c *Client) LatestPage(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	return c.scroll(ctx, convID, limit, "")
}

// PageBefore returns up to limit messages strictly older than beforeID.
func (c *Client) PageBefore(ctx context.Context, convID, beforeID string, limit int) ([]models.Message, error) {
	return c.scroll(ctx, convID, limit, beforeID)
}

func (c *Client) scroll(ctx context.Context, convID string, limit int, beforeID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", convID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("userId", c.selfID)
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	var out []models.Message
	if err := c.do(ctx, "messages.scroll", http.MethodGet, "/messages/scroll", q, nil, &out); err != nil {
		return nil, err
	}
	return c.clean(out), nil
}

// PageAfter returns up to limit messages strictly newer than afterID, using
// the around endpoint with an empty before side.
func (c *Client) PageAfter(ctx context.Context, afterID string, limit int) ([]models.Message, error) {
	msgs, err := c.Around(ctx, afterID, 0, limit)
	if err != nil {
		return nil, err
	}
	// The pivot itself comes back with the around call; drop it.
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Around returns the target message with up to before older and after newer
// neighbors, oldest first.
func (c *Client) Around(ctx context.Context, messageID string, before, after int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("before", strconv.Itoa(before))
	q.Set("after", strconv.Itoa(after))
	var out []models.Message
	if err := c.do(ctx, "messages.around", http.MethodGet, "/messages/around/"+messageID, q, nil, &out); err != nil {
		return nil, err
	}
	return c.clean(out), nil
}

// AroundByType is the media-gallery variant of Around, restricted to one
// message type.
func (c *Client) AroundByType(ctx context.Context, messageID string, typ models.MessageType, before, after int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("type", string(typ))
	q.Set("before", strconv.Itoa(before))
	q.Set("after", strconv.Itoa(after))
	var out []models.Message
	if err := c.do(ctx, "messages.aroundByType", http.MethodGet, "/messages/around/"+messageID+"/by-type", q, nil, &out); err != nil {
		return nil, err
	}
	return c.clean(out), nil
}

// MessagesPage is the legacy offset pagination endpoint, kept for callers
// that still page by number.
func (c *Client) MessagesPage(ctx context.Context, convID string, page, size int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", convID)
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out []models.Message
	if err := c.do(ctx, "messages.page", http.MethodGet, "/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return c.clean(out), nil
}

func (c *Client) PinnedMessages(ctx context.Context, convID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", convID)
	var out []models.Message
	if err := c.do(ctx, "messages.pinned", http.MethodGet, "/messages/pinned", q, nil, &out); err != nil {
		return nil, err
	}
	return c.clean(out), nil
}

type SearchResult struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
	Total    int              `json:"total"`
}

// Search runs a keyword search in one conversation. Snippets arrive with
// server-side highlight markup which is reduced to the allowed tags.
func (c *Client) Search(ctx context.Context, convID, keyword string, page, size int) (*SearchResult, error) {
	q := url.Values{}
	q.Set("conversationId", convID)
	q.Set("keyword", keyword)
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out SearchResult
	if err := c.do(ctx, "messages.search", http.MethodGet, "/messages/search", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].Content = content.Snippet(out.Messages[i].Content)
		out.Messages[i].Status = models.StatusConfirmed
	}
	return &out, nil
}

// --- message mutations ---

func (c *Client) SendDirect(ctx context.Context, recipientID, text string) (*models.Message, error) {
	q := url.Values{}
	q.Set("senderId", c.selfID)
	q.Set("recipientId", recipientID)
	q.Set("content", text)
	var out models.Message
	if err := c.do(ctx, "messages.sendDirect", http.MethodPost, "/messages/direct", q, nil, &out); err != nil {
		return nil, err
	}
	msgs := c.clean([]models.Message{out})
	if len(msgs) == 0 {
		return nil, &Error{Kind: KindValidation, Op: "messages.sendDirect", Err: models.ErrInvalidMessage}
	}
	return &msgs[0], nil
}

// SendReply posts a message over REST. replyToMessageID may be empty for a
// plain send; this doubles as the fallback path when the socket is down.
func (c *Client) SendReply(ctx context.Context, convID, text, replyToMessageID string) (*models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", convID)
	q.Set("content", text)
	if replyToMessageID != "" {
		q.Set("replyToMessageId", replyToMessageID)
	}
	var out models.Message
	if err := c.do(ctx, "messages.reply", http.MethodPost, "/messages/reply", q, nil, &out); err != nil {
		return nil, err
	}
	msgs := c.clean([]models.Message{out})
	if len(msgs) == 0 {
		return nil, &Error{Kind: KindValidation, Op: "messages.reply", Err: models.ErrInvalidMessage}
	}
	return &msgs[0], nil
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	q := url.Values{}
	q.Set("emoji", emoji)
	return c.do(ctx, "messages.react", http.MethodPost, "/messages/"+messageID+"/reactions", q, nil, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID string) error {
	return c.do(ctx, "messages.unreact", http.MethodDelete, "/messages/"+messageID+"/reactions", nil, nil, nil)
}

func (c *Client) Recall(ctx context.Context, messageID string) error {
	return c.do(ctx, "messages.recall", http.MethodPost, "/messages/"+messageID+"/recall", nil, nil, nil)
}

func (c *Client) DeleteForMe(ctx context.Context, messageID string) error {
	return c.do(ctx, "messages.deleteForMe", http.MethodPost, "/messages/"+messageID+"/delete", nil, nil, nil)
}

func (c *Client) PinMessage(ctx context.Context, convID, messageID string) error {
	body := map[string]string{"messageId": messageID}
	return c.do(ctx, "messages.pin", http.MethodPost, "/conversations/"+convID+"/pin", nil, body, nil)
}

func (c *Client) UnpinMessage(ctx context.Context, convID, messageID string) error {
	body := map[string]string{"messageId": messageID}
	return c.do(ctx, "messages.unpin", http.MethodPost, "/conversations/"+convID+"/unpin", nil, body, nil)
}

// --- media ---

type Upload struct {
	Name string
	Data []byte
}

// SniffMessageType classifies an upload into the media message variants.
// Anything that is not a recognizable image or video travels as FILE.
func SniffMessageType(data []byte) models.MessageType {
	switch {
	case filetype.IsImage(data):
		return models.MessageImage
	case filetype.IsVideo(data):
		return models.MessageVideo
	default:
		return models.MessageFile
	}
}

// UploadMedia posts files as multipart form data and returns the created
// messages, one per file.
func (c *Client) UploadMedia(ctx context.Context, convID string, files []Upload) ([]models.Message, error) {
	const op = "messages.media"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("conversationId", convID); err != nil {
		return nil, netError(op, err)
	}
	if err := w.WriteField("senderId", c.selfID); err != nil {
		return nil, netError(op, err)
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, netError(op, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, netError(op, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, netError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/messages/media", &buf)
	if err != nil {
		return nil, netError(op, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, netError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, statusError(op, resp.StatusCode)
	}

	var out []models.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	return c.clean(out), nil
}

// FileSize resolves the byte size of a media URL with a HEAD request,
// memoized with a TTL so galleries do not hammer the CDN.
func (c *Client) FileSize(ctx context.Context, fileURL string) (int64, error) {
	if size, err := c.sizes.Get(fileURL); err == nil {
		return size, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return 0, netError("files.size", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, netError("files.size", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, statusError("files.size", resp.StatusCode)
	}

	c.sizes.Set(fileURL, resp.ContentLength)
	return resp.ContentLength, nil
}
