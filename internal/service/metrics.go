package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/zhejian/shorturl/internal/service"

type serviceMetrics struct {
	linksCreated metric.Int64Counter
	redirects    metric.Int64Counter
	expiredHits  metric.Int64Counter
	collisions   metric.Int64Counter
}

func newServiceMetrics() *serviceMetrics {
	meter := otel.Meter(meterName)
	return &serviceMetrics{
		linksCreated: counter(meter, "shorturl.links.created", "Short links created"),
		redirects:    counter(meter, "shorturl.redirects", "Successful redirects"),
		expiredHits:  counter(meter, "shorturl.expired.hits", "Redirects refused because the link expired"),
		collisions:   counter(meter, "shorturl.generator.collisions", "Generated short codes that were already taken"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
