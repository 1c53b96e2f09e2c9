package crawler

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// persistRecord writes the entity rows for one extracted page inside tx.
func (e *Engine) persistRecord(ctx context.Context, tx StoreTx, pageURL string, record Record) error {
	switch rec := record.(type) {
	case ArtistRecord:
		if _, err := tx.EnsureArtist(ctx, rec.Name, pageURL); err != nil {
			return fmt.Errorf("ensure artist: %w", err)
		}
	case ReleaseRecord:
		return e.persistRelease(ctx, tx, pageURL, rec)
	case UserRecord:
		return e.persistUser(ctx, tx, pageURL, rec)
	default:
		return fmt.Errorf("unsupported record type %T", record)
	}
	return nil
}

func (e *Engine) persistRelease(ctx context.Context, tx StoreTx, pageURL string, rec ReleaseRecord) error {
	artistURL, err := e.releaseArtistURL(pageURL, rec.ArtistURL)
	if err != nil {
		return err
	}
	artistID, err := tx.EnsureArtist(ctx, rec.ArtistName, artistURL)
	if err != nil {
		return fmt.Errorf("ensure release artist: %w", err)
	}
	releaseID, err := tx.EnsureRelease(ctx, pageURL)
	if err != nil {
		return fmt.Errorf("ensure release: %w", err)
	}
	if err := tx.InsertReleaseMetadata(ctx, ReleaseMetadata{
		ReleaseID: releaseID,
		ArtistID:  artistID,
		Name:      rec.Name,
		Year:      rec.Year,
		Tags:      rec.Tags,
	}); err != nil {
		return fmt.Errorf("insert release metadata: %w", err)
	}
	return nil
}

func (e *Engine) persistUser(ctx context.Context, tx StoreTx, pageURL string, rec UserRecord) error {
	userID, err := tx.EnsureUser(ctx, rec.Name, pageURL)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	for _, raw := range rec.Collection {
		releaseURL, err := e.canon.Canonicalize(raw)
		if err != nil {
			e.logger.Debug("dropping invalid collection url", zap.String("user", pageURL), zap.String("url", raw), zap.Error(err))
			continue
		}
		releaseID, err := tx.EnsureRelease(ctx, releaseURL)
		if err != nil {
			return fmt.Errorf("ensure supported release: %w", err)
		}
		if err := tx.InsertSupport(ctx, userID, releaseID); err != nil {
			return fmt.Errorf("insert support: %w", err)
		}
	}
	return nil
}

// releaseArtistURL canonicalizes the artist link found on a release page,
// falling back to the root of the release's own host.
func (e *Engine) releaseArtistURL(pageURL, artistURL string) (string, error) {
	if artistURL != "" {
		if canonical, err := e.canon.Canonicalize(artistURL); err == nil {
			return canonical, nil
		}
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("derive artist url: %w", err)
	}
	return e.canon.Canonicalize(u.Scheme + "://" + u.Host)
}
