package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"brickstream.ai/internal/world/gen"
)

type Config struct {
	Grid     GridConfig     `yaml:"grid"`
	Cache    CacheConfig    `yaml:"cache"`
	Shading  ShadingConfig  `yaml:"shading"`
	Feedback FeedbackConfig `yaml:"feedback"`
	Unpack   UnpackConfig   `yaml:"unpack"`
	Image    ImageConfig    `yaml:"image"`
	Camera   CameraConfig   `yaml:"camera"`
	World    gen.Settings   `yaml:"world"`
	Render   RenderConfig   `yaml:"render"`
	Store    StoreConfig    `yaml:"store"`
}

type GridConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

type CacheConfig struct {
	Slots int `yaml:"slots"`
}

type ShadingConfig struct {
	Buckets   int `yaml:"buckets"`
	PerBucket int `yaml:"per_bucket"`
}

type FeedbackConfig struct {
	MaxRequests int `yaml:"max_requests"`
}

type UnpackConfig struct {
	MaxGridUpdates  int `yaml:"max_grid_updates"`
	MaxBrickUpdates int `yaml:"max_brick_updates"`
}

type ImageConfig struct {
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	TileSize int `yaml:"tile_size"`
	Workers  int `yaml:"workers"`
}

type CameraConfig struct {
	Eye   [3]float32  `yaml:"eye"`
	Yaw   float32     `yaml:"yaw"`
	Pitch float32     `yaml:"pitch"`
	FovY  float32     `yaml:"fov_y"`
	Near  float32     `yaml:"near"`
	Far   float32     `yaml:"far"`
	Orbit OrbitConfig `yaml:"orbit"`
}

// OrbitConfig circles the camera around Center, advancing DegPerFrame each frame.
type OrbitConfig struct {
	Enabled     bool       `yaml:"enabled"`
	Center      [3]float32 `yaml:"center"`
	Radius      float32    `yaml:"radius"`
	Height      float32    `yaml:"height"`
	DegPerFrame float32    `yaml:"deg_per_frame"`
}

type RenderConfig struct {
	FPS         int      `yaml:"fps"`
	Background  [4]uint8 `yaml:"background"`
	LoadWorkers int      `yaml:"load_workers"`
}

type StoreConfig struct {
	Path      string `yaml:"path"`
	WriteBack bool   `yaml:"write_back"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("render.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("render.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Grid:     GridConfig{X: 32, Y: 16, Z: 32},
		Cache:    CacheConfig{Slots: 2048},
		Shading:  ShadingConfig{Buckets: 4, PerBucket: 256 * 1024},
		Feedback: FeedbackConfig{MaxRequests: 256},
		Unpack:   UnpackConfig{MaxGridUpdates: 1024, MaxBrickUpdates: 256},
		Image:    ImageConfig{Width: 640, Height: 360, TileSize: 32},
		Camera: CameraConfig{
			Eye:   [3]float32{16, 14, -6},
			Yaw:   90,
			Pitch: -25,
			FovY:  60,
			Near:  0.1,
			Far:   256,
			Orbit: OrbitConfig{
				Center:      [3]float32{16, 8, 16},
				Radius:      24,
				Height:      10,
				DegPerFrame: 0.5,
			},
		},
		World:  gen.DefaultSettings(),
		Render: RenderConfig{FPS: 30, Background: [4]uint8{135, 190, 235, 255}},
	}
}

// Normalize fills zero values that have a natural default.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.Image.TileSize <= 0 {
		c.Image.TileSize = 32
	}
	if c.Render.FPS <= 0 {
		c.Render.FPS = 30
	}
	if c.Render.Background[3] == 0 {
		c.Render.Background[3] = 255
	}
	if c.Camera.Near <= 0 {
		c.Camera.Near = 0.1
	}
	if c.Camera.Far <= c.Camera.Near {
		c.Camera.Far = c.Camera.Near * 1000
	}
	c.Store.Path = strings.TrimSpace(c.Store.Path)
}

func (c Config) Validate() error {
	if c.Grid.X <= 0 || c.Grid.Y <= 0 || c.Grid.Z <= 0 {
		return fmt.Errorf("grid dims must be positive, got %dx%dx%d", c.Grid.X, c.Grid.Y, c.Grid.Z)
	}
	if c.Cache.Slots <= 0 || c.Cache.Slots >= 1<<28 {
		return fmt.Errorf("cache.slots must be in [1, 2^28)")
	}
	if c.Shading.Buckets < 1 || c.Shading.Buckets > 10 {
		return fmt.Errorf("shading.buckets must be in [1,10]")
	}
	if c.Shading.PerBucket <= 0 || c.Shading.PerBucket%512 != 0 {
		return fmt.Errorf("shading.per_bucket must be a positive multiple of 512")
	}
	if c.Feedback.MaxRequests <= 0 {
		return fmt.Errorf("feedback.max_requests must be > 0")
	}
	if c.Unpack.MaxGridUpdates < 3 {
		return fmt.Errorf("unpack.max_grid_updates must be >= 3")
	}
	if c.Unpack.MaxBrickUpdates < 1 {
		return fmt.Errorf("unpack.max_brick_updates must be >= 1")
	}
	if c.Image.Width <= 0 || c.Image.Height <= 0 {
		return fmt.Errorf("image size must be positive")
	}
	if c.Image.Workers < 0 {
		return fmt.Errorf("image.workers must be >= 0")
	}
	if c.Camera.FovY <= 0 || c.Camera.FovY >= 180 {
		return fmt.Errorf("camera.fov_y must be in (0,180)")
	}
	if c.Camera.Orbit.Enabled && c.Camera.Orbit.Radius <= 0 {
		return fmt.Errorf("camera.orbit.radius must be > 0")
	}
	if c.Render.FPS > 240 {
		return fmt.Errorf("render.fps must be <= 240")
	}
	if c.Render.LoadWorkers < 0 {
		return fmt.Errorf("render.load_workers must be >= 0")
	}
	if err := c.World.Validate(); err != nil {
		return err
	}
	return nil
}
