package services

import (
	"context"
	"errors"
	"fmt"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

// VisionBackend calls Google Cloud Vision DOCUMENT_TEXT_DETECTION.
type VisionBackend struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionBackend uses the credentials file when given, application
// default credentials otherwise.
func NewVisionBackend(ctx context.Context, credentialsFile string) (*VisionBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionBackend{client: client}, nil
}

func (b *VisionBackend) Name() string { return "vision" }

func (b *VisionBackend) Available() bool { return b != nil && b.client != nil }

func (b *VisionBackend) Extract(ctx context.Context, image []byte) (OCRResult, error) {
	resp, err := b.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: &visionpb.ImageContext{
				LanguageHints: []string{"pl", "en"},
			},
		}},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return OCRResult{}, &PipelineError{Kind: KindBackendTimeout, Err: err}
		}
		return OCRResult{}, &PipelineError{Kind: KindBackendUnavailable, Err: err}
	}
	if len(resp.GetResponses()) == 0 {
		return OCRResult{}, NewError(KindBackendUnavailable, "vision returned no responses")
	}
	r := resp.GetResponses()[0]
	if st := r.GetError(); st != nil && st.GetCode() != 0 {
		return OCRResult{}, NewError(KindBackendUnavailable, "vision error %d: %s", st.GetCode(), st.GetMessage())
	}
	doc := r.GetFullTextAnnotation()
	if doc == nil {
		return OCRResult{}, NewError(KindBackendUnavailable, "vision found no text")
	}

	return OCRResult{
		Text:       doc.GetText(),
		Confidence: pageConfidence(doc.GetPages()),
		Backend:    b.Name(),
	}, nil
}

func pageConfidence(pages []*visionpb.Page) float64 {
	if len(pages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pages {
		sum += float64(p.GetConfidence())
	}
	return sum / float64(len(pages))
}

func (b *VisionBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
