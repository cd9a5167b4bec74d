package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/signal"
)

// Sequential scrapes links one after another in the calling goroutine.
type Sequential struct{}

// Scrape runs fetch, play, tune and persist for each link. A jump signal
// skips the current link; any other error aborts the loop.
func (Sequential) Scrape(ctx context.Context, parent *Stage, links []string) error {
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scrapeOne(ctx, parent, link); err != nil {
			if signal.Classify(err) == signal.Skip {
				parent.Logger().Warn("skipping link", zap.String("link", link), zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

func scrapeOne(ctx context.Context, parent *Stage, link string) error {
	child, err := parent.Descendant(link)
	if err != nil {
		return err
	}
	if err := child.Fetch(ctx); err != nil {
		return err
	}
	if err := child.Play(ctx); err != nil {
		return err
	}
	rec, err := child.Tune(ctx)
	if err != nil {
		return err
	}
	if err := ValidateTune(child, rec); err != nil {
		return err
	}
	return child.Persist(ctx, rec)
}

func badTune(s *Stage, rec Record) error {
	u, err := s.URL()
	if err != nil {
		u = s.rawURL
	}
	return signal.BadTune(s.Name(), u, EmptyValue(rec))
}

// ValidateTune returns the data contract error for an empty record.
func ValidateTune(s *Stage, rec Record) error {
	if len(rec) == 0 {
		return badTune(s, rec)
	}
	return nil
}
