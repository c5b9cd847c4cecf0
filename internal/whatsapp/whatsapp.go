// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in Botflow.
//
// It provides methods for sending messages and handling WhatsApp events.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/chatfuse/botflow/internal/models"
	"github.com/chatfuse/botflow/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/botflow/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender is an interface for sending WhatsApp messages (for production and testing)
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error
	SendButtons(ctx context.Context, to string, body, header, footer string, buttons []models.Button) error
	SendLocation(ctx context.Context, to string, latitude, longitude float64, name string) error
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys for its SQLite store
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a WhatsApp text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.checkReady(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// mediaTypeFor maps an attachment media type string to a whatsmeow media type.
func mediaTypeFor(mediaType string) whatsmeow.MediaType {
	switch mediaType {
	case "image":
		return whatsmeow.MediaImage
	case "video":
		return whatsmeow.MediaVideo
	case "audio":
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// SendMedia downloads the attachment from mediaURL, uploads it to WhatsApp
// servers and sends the resulting media message.
func (c *Client) SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error {
	if err := c.checkReady(to); err != nil {
		return err
	}
	if mediaURL == "" {
		return fmt.Errorf("media URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("Failed to fetch media", "error", err, "url", mediaURL)
		return fmt.Errorf("failed to fetch media from %s: %w", mediaURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch media from %s: status %d", mediaURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read media body: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")

	uploaded, err := c.waClient.Upload(ctx, data, mediaTypeFor(mediaType))
	if err != nil {
		slog.Error("Failed to upload media to WhatsApp", "error", err, "to", to)
		return fmt.Errorf("failed to upload media: %w", err)
	}

	fileLength := uint64(len(data))
	var msg *waE2E.Message
	switch mediaType {
	case "image":
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileSHA256: uploaded.FileSHA256, FileEncSHA256: uploaded.FileEncSHA256,
			FileLength: &fileLength, Mimetype: &mimeType, Caption: optionalString(caption),
		}}
	case "video":
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileSHA256: uploaded.FileSHA256, FileEncSHA256: uploaded.FileEncSHA256,
			FileLength: &fileLength, Mimetype: &mimeType, Caption: optionalString(caption),
		}}
	case "audio":
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileSHA256: uploaded.FileSHA256, FileEncSHA256: uploaded.FileEncSHA256,
			FileLength: &fileLength, Mimetype: &mimeType,
		}}
	default:
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileSHA256: uploaded.FileSHA256, FileEncSHA256: uploaded.FileEncSHA256,
			FileLength: &fileLength, Mimetype: &mimeType, Caption: optionalString(caption),
		}}
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp media message", "error", err, "to", to)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("WhatsApp media message sent", "to", to, "mediaType", mediaType)
	return nil
}

// SendButtons sends a message with quick-reply buttons.
func (c *Client) SendButtons(ctx context.Context, to string, body, header, footer string, buttons []models.Button) error {
	if err := c.checkReady(to); err != nil {
		return err
	}
	if len(buttons) == 0 {
		return fmt.Errorf("buttons cannot be empty")
	}

	waButtons := make([]*waE2E.ButtonsMessage_Button, 0, len(buttons))
	for _, b := range buttons {
		id := b.ID
		title := b.Title
		waButtons = append(waButtons, &waE2E.ButtonsMessage_Button{
			ButtonID:   &id,
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: &title},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}

	buttonsMsg := &waE2E.ButtonsMessage{
		ContentText: &body,
		Buttons:     waButtons,
	}
	if header != "" {
		buttonsMsg.Header = &waE2E.ButtonsMessage_Text{Text: header}
	}
	if footer != "" {
		buttonsMsg.FooterText = &footer
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{ButtonsMessage: buttonsMsg}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp buttons message", "error", err, "to", to)
		return fmt.Errorf("failed to send buttons to %s: %w", to, err)
	}
	slog.Debug("WhatsApp buttons message sent", "to", to, "buttons", len(buttons))
	return nil
}

// SendLocation sends a geographic pin.
func (c *Client) SendLocation(ctx context.Context, to string, latitude, longitude float64, name string) error {
	if err := c.checkReady(to); err != nil {
		return err
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
		DegreesLatitude:  &latitude,
		DegreesLongitude: &longitude,
		Name:             optionalString(name),
	}}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp location message", "error", err, "to", to)
		return fmt.Errorf("failed to send location to %s: %w", to, err)
	}
	return nil
}

func (c *Client) checkReady(to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient implements the same interface as Client but does nothing (for tests)
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, mediaURL, mediaType, caption string) error {
	return nil
}

func (m *MockClient) SendButtons(ctx context.Context, to string, body, header, footer string, buttons []models.Button) error {
	return nil
}

func (m *MockClient) SendLocation(ctx context.Context, to string, latitude, longitude float64, name string) error {
	return nil
}
