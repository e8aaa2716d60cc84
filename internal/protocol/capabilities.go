package protocol

// SurfaceType tags the kind of UI surface attached over a connection. The
// zero set is closed except for Custom, which carries an arbitrary name.
type SurfaceType struct {
	Kind   SurfaceKind `json:"kind"`
	Custom string      `json:"custom,omitempty"`
}

type SurfaceKind string

const (
	SurfaceTUI      SurfaceKind = "tui"
	SurfaceWeb      SurfaceKind = "web"
	SurfaceDesktop  SurfaceKind = "desktop"
	SurfaceMobile   SurfaceKind = "mobile"
	SurfaceHeadless SurfaceKind = "headless"
	SurfaceCustom   SurfaceKind = "custom"
)

// Name returns a human-readable label for logs and Notify messages.
func (t SurfaceType) Name() string {
	if t.Kind == SurfaceCustom && t.Custom != "" {
		return t.Custom
	}
	switch t.Kind {
	case SurfaceTUI:
		return "Terminal"
	case SurfaceWeb:
		return "Web"
	case SurfaceDesktop:
		return "Desktop"
	case SurfaceMobile:
		return "Mobile"
	case SurfaceHeadless:
		return "Headless"
	default:
		return string(t.Kind)
	}
}

// Capabilities declares what a surface can render and accept. The conductor
// uses it to decide whether to stream tokens or buffer a final message, and
// whether avatar/rich-text directives are worth sending at all.
type Capabilities struct {
	Color             bool `json:"color"`
	Avatar            bool `json:"avatar"`
	AvatarAnimations  bool `json:"avatar_animations"`
	Tasks             bool `json:"tasks"`
	Streaming         bool `json:"streaming"`
	Images            bool `json:"images"`
	Audio             bool `json:"audio"`
	RichText          bool `json:"rich_text"`
	PointerInput      bool `json:"pointer_input"`
	KeyboardInput     bool `json:"keyboard_input"`
	Clipboard         bool `json:"clipboard"`
	MaxWidth          uint32 `json:"max_width,omitempty"`
	MaxHeight         uint32 `json:"max_height,omitempty"`
}

// TUICapabilities mirrors the terminal surface preset from the original
// implementation: colorful, streaming, no rich text (terminals don't render
// markdown natively).
func TUICapabilities() Capabilities {
	return Capabilities{
		Color: true, Avatar: true, AvatarAnimations: true, Tasks: true,
		Streaming: true, PointerInput: true, KeyboardInput: true,
	}
}

// WebCapabilities mirrors the browser surface preset: everything on.
func WebCapabilities() Capabilities {
	return Capabilities{
		Color: true, Avatar: true, AvatarAnimations: true, Tasks: true,
		Streaming: true, Images: true, Audio: true, RichText: true,
		PointerInput: true, KeyboardInput: true, Clipboard: true,
	}
}

// HeadlessCapabilities mirrors the automation/testing preset: minimal,
// fixed 80x24, no streaming niceties beyond what's needed to drive scripts.
func HeadlessCapabilities() Capabilities {
	return Capabilities{
		Tasks: true, Streaming: true, KeyboardInput: true,
		MaxWidth: 80, MaxHeight: 24,
	}
}
