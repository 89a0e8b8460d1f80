package live

import (
	"time"
)

const (
	ClientOutdated    = "outdated"
	JoinCrashed       = "join crashed"
	ConsecutiveReload = "consecutive-reloads"

	PhxView          = "data-phx-view"
	PhxComponent     = "data-phx-component"
	PhxLiveLink      = "data-phx-live-link"
	PhxParentId      = "data-phx-parent-id"
	PhxMain          = "data-phx-main"
	PhxErrorFor      = "data-phx-error-for"
	PhxSession       = "data-phx-session"
	PhxStatic        = "data-phx-static"
	PhxReadonly      = "data-phx-readonly"
	PhxTouch         = "data-phx-touch"
	PhxDisabled      = "data-phx-disabled"
	PhxConnected     = "phx-connected"
	PhxLoading       = "phx-loading"
	PhxDisconnected  = "phx-disconnected"
	PhxError         = "phx-error"
	PhxHasFocused    = "phx-has-focused"
	PhxHasSubmitted  = "phx-has-submitted"
	PhxChangeEvent   = "phx-change"
	PhxUpdateEvent   = "phx:update"
	PhxFlashCookie   = "__phoenix_flash__"
	LinkHeader       = "x-requested-with"
	LinkHeaderValue  = "live-link"
	DefaultTopicBase = "lv:"

	// binding suffixes, combined with the binding prefix
	BindingClick    = "click"
	BindingKeyup    = "keyup"
	BindingKeydown  = "keydown"
	BindingBlur     = "blur"
	BindingFocus    = "focus"
	BindingSubmit   = "submit"
	BindingChange   = "change"
	BindingTarget   = "target"
	BindingValue    = "value-"
	BindingHook     = "hook"
	BindingUpdate   = "update"
	BindingDebounce = "debounce"
	BindingThrottle = "throttle"
	BindingDisable  = "disable-with"
)

// input types that keep focus and selection across patches
var FocusableInputs = []string{"text", "textarea", "number", "email", "password", "search", "tel", "url"}

type Settings struct {
	BindingPrefix string
	// outbound pushes and navigation fetches
	PushTimeout time.Duration
	// grace delay before a view shows its disconnected state
	LoaderTimeout time.Duration
	// used instead of `LoaderTimeout` when a channel errors while the page unloads
	BeforeUnloadLoaderTimeout time.Duration
	// leaving a channel on destroy
	LeaveTimeout time.Duration
	// reload delay is uniform in [ReloadJitterMin, ReloadJitterMax]
	ReloadJitterMin time.Duration
	ReloadJitterMax time.Duration
	// after this many consecutive reloads the reload delay becomes `FailsafeJitter`
	MaxReloads     int
	FailsafeJitter time.Duration
	// report duplicate document ids after every patch
	DetectDuplicateIds bool
}

func DefaultSettings() *Settings {
	return &Settings{
		BindingPrefix:             "phx-",
		PushTimeout:               30 * time.Second,
		LoaderTimeout:             1 * time.Millisecond,
		BeforeUnloadLoaderTimeout: 200 * time.Millisecond,
		LeaveTimeout:              10 * time.Second,
		ReloadJitterMin:           1 * time.Second,
		ReloadJitterMax:           3 * time.Second,
		MaxReloads:                10,
		FailsafeJitter:            30 * time.Second,
		DetectDuplicateIds:        false,
	}
}

func (self *Settings) Binding(kind string) string {
	return self.BindingPrefix + kind
}
