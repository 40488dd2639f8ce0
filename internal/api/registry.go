package api

import (
	"github.com/multiscale-tiles/server/internal/service"
)

// ImageInfo contains information about an image for the API response.
type ImageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ImageRegistry holds the services of all configured images.
type ImageRegistry struct {
	services     map[string]*service.ImageService
	defaultImage string
	imageOrder   []string
	title        string
}

// NewImageRegistry creates a new image registry.
func NewImageRegistry(defaultImage string, order []string, title string) *ImageRegistry {
	return &ImageRegistry{
		services:     make(map[string]*service.ImageService),
		defaultImage: defaultImage,
		imageOrder:   order,
		title:        title,
	}
}

// Register adds the service of an image.
func (r *ImageRegistry) Register(imageID string, svc *service.ImageService) {
	r.services[imageID] = svc
}

// Get returns the service of an image, or nil if not found.
func (r *ImageRegistry) Get(imageID string) *service.ImageService {
	return r.services[imageID]
}

// Default returns the default image's service.
func (r *ImageRegistry) Default() *service.ImageService {
	return r.services[r.defaultImage]
}

// DefaultImageID returns the default image ID.
func (r *ImageRegistry) DefaultImageID() string {
	return r.defaultImage
}

// ImageIDs returns all image IDs in config order.
func (r *ImageRegistry) ImageIDs() []string {
	return r.imageOrder
}

// Title returns the configured site title.
func (r *ImageRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Multiscale Tiles"
}

// Images returns image info for all registered images.
func (r *ImageRegistry) Images() []ImageInfo {
	infos := make([]ImageInfo, 0, len(r.imageOrder))
	for _, id := range r.imageOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, ImageInfo{
			ID:   id,
			Name: svc.Image().Name(),
		})
	}
	return infos
}
