package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

type PushConfig struct {
	Region string
}

type snsPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Push fans a notification out to every registered device endpoint of
// every recipient via SNS platform endpoints. The data part must parse
// as a JSON object; a malformed part fails before any publish.
type Push struct {
	client snsPublisher
	log    logx.Logger
}

func NewPush(ctx context.Context, cfg PushConfig, log logx.Logger) (*Push, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("push: load aws config: %w", err)
	}
	return &Push{
		client: sns.NewFromConfig(awscfg),
		log:    log.With(logx.String("channel", "push")),
	}, nil
}

func (p *Push) Key() string       { return "push" }
func (p *Push) Parts() []string   { return []string{PartSubject, PartBody, PartData} }
func (p *Push) TitlePart() string { return PartSubject }

func (p *Push) Send(ctx context.Context, recipients []notify.Recipient, env Envelope) error {
	data, err := parseDataPart(env.Part(PartData))
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"title": env.Part(PartSubject),
		"body":  env.Part(PartBody),
		"data":  data,
	})
	if err != nil {
		return fmt.Errorf("push: encode payload: %w", err)
	}

	var sent int
	var errs []error
	for _, r := range recipients {
		for _, d := range r.Devices {
			if d.Endpoint == "" {
				continue
			}
			_, err := p.client.Publish(ctx, &sns.PublishInput{
				TargetArn: aws.String(d.Endpoint),
				Message:   aws.String(string(payload)),
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("push: endpoint %s: %w", d.Endpoint, err))
				continue
			}
			sent++
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	p.log.Debug("push sent", logx.Int("devices", sent))
	return nil
}

// parseDataPart trims and decodes a data.json part. An empty part is
// an empty object; anything that does not decode to a JSON object is
// a malformed part.
func parseDataPart(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("%w: data.json: %v", ErrMalformedPart, err)
	}
	return data, nil
}
