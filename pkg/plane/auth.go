package plane

import (
	"context"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/logging"
)

func (p *Plane) requireGateway() error {
	if p.gateway == nil {
		return fserr.New(fserr.CodeAccountFailure, "no account gateway configured")
	}
	return nil
}

func (p *Plane) authStatusJSON(ctx context.Context) ([]byte, error) {
	if err := p.requireGateway(); err != nil {
		return nil, err
	}
	st, err := p.gateway.Status(ctx)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeAccountFailure, "fetching account status")
	}
	return marshalJSON(st)
}

func (p *Plane) authCreditsJSON(ctx context.Context) ([]byte, error) {
	if err := p.requireGateway(); err != nil {
		return nil, err
	}
	bal, err := p.gateway.Credits(ctx)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeAccountFailure, "fetching credit balance")
	}
	return marshalJSON(bal)
}

// installToken swaps the bearer credential. The token itself never reaches
// the log.
func (p *Plane) installToken(token string) error {
	if err := p.requireGateway(); err != nil {
		return err
	}
	if token == "" {
		return fserr.New(fserr.CodeInvalidRequest, "empty token")
	}
	if err := p.gateway.SetToken(token); err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "installing token")
	}
	p.log.Info(logging.CategoryAuth, "token_installed", "account token replaced", nil)
	return nil
}

func (p *Plane) authChallengeJSON(ctx context.Context) ([]byte, error) {
	if err := p.requireGateway(); err != nil {
		return nil, err
	}
	ch, err := p.gateway.PendingChallenge(ctx)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeAccountFailure, "fetching challenge")
	}
	if ch == nil {
		return nil, fserr.New(fserr.CodeNotFound, "no pending challenge")
	}
	return marshalJSON(ch)
}

func (p *Plane) answerChallenge(ctx context.Context, response string) error {
	if err := p.requireGateway(); err != nil {
		return err
	}
	if response == "" {
		return fserr.New(fserr.CodeInvalidRequest, "empty challenge response")
	}
	if err := p.gateway.SubmitChallenge(ctx, response); err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "answering challenge")
	}
	p.log.Info(logging.CategoryAuth, "challenge_answered", "account challenge answered", nil)
	return nil
}

// providerInfo is the /providers/<id>/info view.
type providerInfo struct {
	ID                  string `json:"id"`
	RequiresAccountAuth bool   `json:"requires_account_auth"`
	providerMetadata
}

// providerMetadata inlines provider.Metadata fields into the info view.
type providerMetadata struct {
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	BaseCost            float64 `json:"base_cost"`
	PerSecond           float64 `json:"per_second"`
	StartupLatencyMS    int64   `json:"startup_latency_ms"`
	MaxMemoryMB         int64   `json:"max_memory_mb,omitempty"`
	MaxCPUs             float64 `json:"max_cpus,omitempty"`
	MaxDiskMB           int64   `json:"max_disk_mb,omitempty"`
	SupportsInteractive bool    `json:"supports_interactive"`
	SupportsNetwork     bool    `json:"supports_network"`
}

func (p *Plane) providerInfoJSON(_ context.Context, id string) ([]byte, error) {
	prov, err := p.router.Get(id)
	if err != nil {
		return nil, err
	}
	md := prov.Metadata()
	return marshalJSON(providerInfo{
		ID:                  prov.ID(),
		RequiresAccountAuth: prov.RequiresAccountAuth(),
		providerMetadata: providerMetadata{
			Name:                md.Name,
			Description:         md.Description,
			BaseCost:            md.Pricing.BaseCost,
			PerSecond:           md.Pricing.PerSecond,
			StartupLatencyMS:    md.StartupLatencyMS,
			MaxMemoryMB:         md.MaxMemoryMB,
			MaxCPUs:             md.MaxCPUs,
			MaxDiskMB:           md.MaxDiskMB,
			SupportsInteractive: md.SupportsInteractive,
			SupportsNetwork:     md.SupportsNetwork,
		},
	})
}

func (p *Plane) providerImagesJSON(ctx context.Context, id string) ([]byte, error) {
	prov, err := p.router.Get(id)
	if err != nil {
		return nil, err
	}
	images, err := prov.Images(ctx)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "listing images")
	}
	return marshalJSON(images)
}

func (p *Plane) providerHealthJSON(ctx context.Context, id string) ([]byte, error) {
	prov, err := p.router.Get(id)
	if err != nil {
		return nil, err
	}
	return marshalJSON(prov.Health(ctx))
}
