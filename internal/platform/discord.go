// Package platform validates sources against their chat platform and lists
// what can be archived.
package platform

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"

	apperrors "github.com/summary-archive/internal/errors"
	"github.com/summary-archive/internal/logging"
	"github.com/summary-archive/internal/types"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited calls
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff
	maxBackoff = 30 * time.Second
)

// ChannelInfo describes one archivable channel
type ChannelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Topic    string `json:"topic,omitempty"`
	Position int    `json:"position"`
}

// Validator checks that a source exists and is reachable before a job or
// scan takes it at face value
type Validator interface {
	ValidateSource(ctx context.Context, source types.Source) error
	ListChannels(ctx context.Context, serverID string) ([]ChannelInfo, error)
}

// session abstracts the discordgo.Session methods we use, enabling test mocks
type session interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// DiscordValidator validates discord sources over the REST API. No gateway
// connection is needed; lookups are plain HTTP calls.
type DiscordValidator struct {
	sess   session
	logger *logging.Logger
}

// NewDiscordValidator creates a validator from a bot token
func NewDiscordValidator(botToken string) (*DiscordValidator, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return newDiscordValidator(dg), nil
}

func newDiscordValidator(sess session) *DiscordValidator {
	return &DiscordValidator{
		sess:   sess,
		logger: logging.GetGlobalLogger().WithComponent("DiscordValidator"),
	}
}

// ValidateSource confirms the guild (and channel, when given) exists and the
// bot can see it
func (v *DiscordValidator) ValidateSource(ctx context.Context, source types.Source) error {
	if source.Type != types.SourceDiscord {
		return apperrors.NewValidationError("source.type",
			fmt.Sprintf("discord validator cannot validate %q sources", source.Type))
	}

	err := v.retryOnRateLimit(ctx, func() error {
		_, gerr := v.sess.Guild(source.ServerID)
		return gerr
	})
	if err != nil {
		if isNotFound(err) {
			return apperrors.NewUnknownSourceError(source.Key())
		}
		return apperrors.NewCollaboratorError(source.Key(), err)
	}

	if source.ChannelID != "" {
		var ch *discordgo.Channel
		err := v.retryOnRateLimit(ctx, func() error {
			var cerr error
			ch, cerr = v.sess.Channel(source.ChannelID)
			return cerr
		})
		if err != nil {
			if isNotFound(err) {
				return apperrors.NewUnknownSourceError(source.Key())
			}
			return apperrors.NewCollaboratorError(source.Key(), err)
		}
		if ch.GuildID != source.ServerID {
			return apperrors.NewValidationError("source.channelId",
				fmt.Sprintf("channel %s does not belong to server %s", source.ChannelID, source.ServerID))
		}
	}

	return nil
}

// ListChannels returns the text channels of a guild, in display order
func (v *DiscordValidator) ListChannels(ctx context.Context, serverID string) ([]ChannelInfo, error) {
	var channels []*discordgo.Channel
	err := v.retryOnRateLimit(ctx, func() error {
		var cerr error
		channels, cerr = v.sess.GuildChannels(serverID)
		return cerr
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewUnknownSourceError(fmt.Sprintf("discord:%s", serverID))
		}
		return nil, apperrors.NewCollaboratorError(serverID, err)
	}

	var out []ChannelInfo
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, ChannelInfo{
			ID:       ch.ID,
			Name:     ch.Name,
			Topic:    ch.Topic,
			Position: ch.Position,
		})
	}
	return out, nil
}

func isNotFound(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	return ok && restErr.Response != nil &&
		(restErr.Response.StatusCode == 404 || restErr.Response.StatusCode == 403)
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (v *DiscordValidator) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		v.logger.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"wait":    wait,
		}).Warn("Discord rate limited, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// NoopValidator accepts every source. Used for platforms without a
// validation integration and in deployments without a bot token.
type NoopValidator struct{}

func (NoopValidator) ValidateSource(ctx context.Context, source types.Source) error { return nil }

func (NoopValidator) ListChannels(ctx context.Context, serverID string) ([]ChannelInfo, error) {
	return nil, nil
}

// MultiValidator routes validation by source type
type MultiValidator struct {
	validators map[types.SourceType]Validator
}

// NewMultiValidator builds a router; unrouted types pass through unvalidated
func NewMultiValidator(validators map[types.SourceType]Validator) *MultiValidator {
	return &MultiValidator{validators: validators}
}

func (m *MultiValidator) ValidateSource(ctx context.Context, source types.Source) error {
	if v, ok := m.validators[source.Type]; ok {
		return v.ValidateSource(ctx, source)
	}
	return nil
}

func (m *MultiValidator) ListChannels(ctx context.Context, serverID string) ([]ChannelInfo, error) {
	if v, ok := m.validators[types.SourceDiscord]; ok {
		return v.ListChannels(ctx, serverID)
	}
	return nil, nil
}
