package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryanwahyu/diagnovision/internal/domain/results"
)

// AssetRepository stores image urls in the images table.
type AssetRepository struct{ db *DB }

func NewAssetRepository(db *DB) *AssetRepository { return &AssetRepository{db: db} }

var assetColumns = []string{
	"image_id", "image_url", "heatmap_url", "overlay_url", "grad_cam_url",
	"glaucoma_heatmap_url", "glaucoma_overlay_url", "dr_heatmap_url", "dr_overlay_url",
}

// Lookup returns results.ErrAssetNotFound when no row exists.
func (r *AssetRepository) Lookup(ctx context.Context, imageID string) (results.ImageAssets, error) {
	const q = `
SELECT image_url, heatmap_url, overlay_url, grad_cam_url,
       glaucoma_heatmap_url, glaucoma_overlay_url, dr_heatmap_url, dr_overlay_url
FROM images WHERE image_id=? LIMIT 1`
	var orig, heat, over, gradcam, gHeat, gOver, dHeat, dOver sql.NullString
	err := r.db.queryRow(ctx, q, imageID).Scan(&orig, &heat, &over, &gradcam, &gHeat, &gOver, &dHeat, &dOver)
	if errors.Is(err, sql.ErrNoRows) {
		return results.ImageAssets{}, results.ErrAssetNotFound
	}
	if err != nil {
		return results.ImageAssets{}, fmt.Errorf("select images: %w", err)
	}

	a := results.ImageAssets{
		ImageID:     imageID,
		Available:   true,
		OriginalURL: orig.String,
		HeatmapURL:  heat.String,
		OverlayURL:  over.String,
		GradCAMURL:  gradcam.String,
		Heatmaps:    map[results.Category]string{},
		Overlays:    map[results.Category]string{},
	}
	put := func(m map[results.Category]string, c results.Category, v sql.NullString) {
		if v.String != "" {
			m[c] = v.String
		}
	}
	put(a.Heatmaps, results.CategoryGlaucoma, gHeat)
	put(a.Overlays, results.CategoryGlaucoma, gOver)
	put(a.Heatmaps, results.CategoryDR, dHeat)
	put(a.Overlays, results.CategoryDR, dOver)
	return a, nil
}

// Save upserts the row for a.ImageID.
func (r *AssetRepository) Save(ctx context.Context, a results.ImageAssets) error {
	if a.ImageID == "" {
		return errors.New("image id is required")
	}
	q := r.db.dialect.upsert("images", "image_id", assetColumns, assetColumns[1:])
	_, err := r.db.db.ExecContext(ctx, q,
		a.ImageID,
		nullString(a.OriginalURL), nullString(a.HeatmapURL), nullString(a.OverlayURL), nullString(a.GradCAMURL),
		nullString(a.Heatmaps[results.CategoryGlaucoma]), nullString(a.Overlays[results.CategoryGlaucoma]),
		nullString(a.Heatmaps[results.CategoryDR]), nullString(a.Overlays[results.CategoryDR]),
	)
	if err != nil {
		return fmt.Errorf("upsert images: %w", err)
	}
	return nil
}
