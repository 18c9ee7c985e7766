package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bot-pedidos/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// ErrNoMedia is returned when a message carries no downloadable image.
var ErrNoMedia = errors.New("message has no image")

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Client wraps the WhatsMeow client and associated dependencies.
type Client struct {
	client     *whatsmeow.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

// MessageProcessor handles inbound WhatsApp messages.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg Inbound)
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// IsConnected reports whether the websocket is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	in, ok := FromEvent(evt)
	if !ok {
		return
	}
	if in.FromMe || in.IsGroup || in.IsBroadcast {
		c.logger.Debug("skipping message", "chat", evt.Info.Chat.String(), "from_me", in.FromMe, "group", in.IsGroup)
		return
	}

	kind := "text"
	switch {
	case in.HasImage:
		kind = "image"
		c.logger.Info("received image message", "from", in.Sender, "caption", in.Text)
	case in.Text != "":
		c.logger.Info("received text message", "from", in.Sender, "text", in.Text)
	default:
		kind = "other"
		c.logger.Info("received unsupported message type", "from", in.Sender)
	}
	if c.metrics != nil {
		c.metrics.WAIncomingMessages.WithLabelValues(kind).Inc()
	}

	if c.dispatcher != nil {
		c.dispatcher.Dispatch(context.Background(), in)
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SetMessageProcessor registers message processor callback. Messages from one
// sender reach it in arrival order.
func (c *Client) SetMessageProcessor(processor MessageProcessor) {
	c.dispatcher = NewDispatcher(processor, c.logger)
}

// SendText sends a text message to the specified JID.
func (c *Client) SendText(ctx context.Context, to string, text string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	c.countOutgoing("text")
	return nil
}

// SendImage uploads and sends an image message to the specified JID.
func (c *Client) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("send image: empty data")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
	}
	if caption != "" {
		imageMsg.Caption = proto.String(caption)
	}

	message := &waProto.Message{
		ImageMessage: imageMsg,
	}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	c.countOutgoing("image")
	return nil
}

// SendDocument uploads and sends a file attachment.
func (c *Client) SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName, caption string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("send document: empty data")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("upload document: %w", err)
	}

	docMsg := &waProto.DocumentMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
		FileName:      proto.String(fileName),
		Title:         proto.String(fileName),
	}
	if caption != "" {
		docMsg.Caption = proto.String(caption)
	}

	message := &waProto.Message{
		DocumentMessage: docMsg,
	}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	c.countOutgoing("document")
	return nil
}

// Forward relays the original message to another chat, marked as forwarded.
func (c *Client) Forward(ctx context.Context, to string, msg Inbound) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if msg.Raw == nil || msg.Raw.Message == nil {
		return errors.New("forward: original message unavailable")
	}
	cloned, ok := proto.Clone(msg.Raw.Message).(*waProto.Message)
	if !ok {
		return errors.New("forward: clone message")
	}
	markForwarded(cloned)

	if _, err := c.client.SendMessage(ctx, jid, cloned); err != nil {
		return fmt.Errorf("forward message: %w", err)
	}
	c.countOutgoing("forward")
	return nil
}

// DownloadImage fetches the image attached to msg.
func (c *Client) DownloadImage(ctx context.Context, msg Inbound) ([]byte, string, error) {
	if msg.Raw == nil || msg.Raw.Message.GetImageMessage() == nil {
		return nil, "", ErrNoMedia
	}
	img := msg.Raw.Message.GetImageMessage()
	data, err := c.client.Download(ctx, img)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	mime := img.GetMimetype()
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// Thumbnail returns the inline JPEG preview of an image message, if any.
func (c *Client) Thumbnail(msg Inbound) []byte {
	if msg.Raw == nil {
		return nil
	}
	return msg.Raw.Message.GetImageMessage().GetJPEGThumbnail()
}

func (c *Client) countOutgoing(kind string) {
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues(kind).Inc()
	}
}

func markForwarded(msg *waProto.Message) {
	info := &waProto.ContextInfo{
		IsForwarded:     proto.Bool(true),
		ForwardingScore: proto.Uint32(1),
	}
	switch {
	case msg.ImageMessage != nil:
		msg.ImageMessage.ContextInfo = info
	case msg.ExtendedTextMessage != nil:
		msg.ExtendedTextMessage.ContextInfo = info
	case msg.DocumentMessage != nil:
		msg.DocumentMessage.ContextInfo = info
	}
}

func parseJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, errors.New("empty recipient")
	}
	if !strings.Contains(raw, "@") {
		raw = strings.TrimPrefix(raw, "+") + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse jid %q: %w", raw, err)
	}
	return jid, nil
}
