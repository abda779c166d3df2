package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/mtoivan/trailwatch-go/internal/conf"
)

// ShoutrrrProvider delivers to email and chat services through shoutrrr
// service URLs (smtp://, discord://, telegram://, ...). One sender covers
// all configured URLs.
type ShoutrrrProvider struct {
	urls    []string
	sender  *router.ServiceRouter
	timeout time.Duration
}

// NewShoutrrrProvider creates the shoutrrr channel. URL validation happens
// eagerly; a bad service URL is a configuration error, not a delivery error.
func NewShoutrrrProvider(settings conf.ShoutrrrChannelSettings, timeout time.Duration) (*ShoutrrrProvider, error) {
	if len(settings.URLs) == 0 {
		return nil, fmt.Errorf("at least one shoutrrr URL is required")
	}
	sender, err := shoutrrr.CreateSender(settings.URLs...)
	if err != nil {
		return nil, fmt.Errorf("creating shoutrrr sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrProvider{
		urls:    slices.Clone(settings.URLs),
		sender:  sender,
		timeout: timeout,
	}, nil
}

// Name implements Provider.
func (s *ShoutrrrProvider) Name() string { return "shoutrrr" }

// Send delivers the notification summary to every configured service URL.
func (s *ShoutrrrProvider) Send(ctx context.Context, n *Notification) error {
	_ = ctx // the router applies its own timeout per service

	params := stypes.Params{}
	params.SetTitle(n.Title())

	errs := s.sender.Send(n.Summary(), &params)
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("shoutrrr send: %w", err)
		}
	}
	return nil
}
