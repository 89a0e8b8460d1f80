package live

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// history and navigation for the page that hosts the views
type Browser interface {
	Location() *url.URL
	// full navigation. `flash` is carried to the next page when set.
	Redirect(to string, flash string)
	// same-document navigation, `kind` is "push" or "replace"
	PushState(kind string, to string)
	Reload()
	// fetches page markup for same-app navigation. `callback` runs on the socket loop.
	// status != 200 means the caller falls back to a full navigation.
	FetchPage(href string, callback func(status int, markup string))
}

// A headless `Browser` over http. Full navigations load the new page markup and
// hand it to the `OnLoad` callbacks on the socket loop.
type HttpBrowser struct {
	ctx       context.Context
	client    *http.Client
	scheduler Scheduler
	timeout   time.Duration

	stateLock sync.Mutex
	location  *url.URL
	history   []string

	loadCallbacks *CallbackList[func(location *url.URL, markup string)]
}

func NewHttpBrowser(ctx context.Context, scheduler Scheduler, location *url.URL, timeout time.Duration) *HttpBrowser {
	jar, _ := cookiejar.New(nil)
	return &HttpBrowser{
		ctx: ctx,
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		scheduler:     scheduler,
		timeout:       timeout,
		location:      location,
		history:       []string{location.String()},
		loadCallbacks: NewCallbackList[func(location *url.URL, markup string)](),
	}
}

func (self *HttpBrowser) OnLoad(callback func(location *url.URL, markup string)) func() {
	return self.loadCallbacks.Add(callback)
}

func (self *HttpBrowser) Cookies() []*http.Cookie {
	return self.client.Jar.Cookies(self.Location())
}

// the page session cookies, shared with the socket handshake
func (self *HttpBrowser) Jar() http.CookieJar {
	return self.client.Jar
}

func (self *HttpBrowser) Location() *url.URL {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	location := *self.location
	return &location
}

func (self *HttpBrowser) History() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.history...)
}

func (self *HttpBrowser) resolve(to string) (*url.URL, error) {
	ref, err := url.Parse(to)
	if err != nil {
		return nil, err
	}
	return self.Location().ResolveReference(ref), nil
}

func (self *HttpBrowser) Redirect(to string, flash string) {
	location, err := self.resolve(to)
	if err != nil {
		glog.Infof("[b]redirect %s error = %s\n", to, err)
		return
	}
	if flash != "" {
		self.client.Jar.SetCookies(location, []*http.Cookie{{
			Name:   PhxFlashCookie,
			Value:  flash,
			MaxAge: 60000,
			Path:   "/",
		}})
	}
	self.navigate(location, true)
}

func (self *HttpBrowser) PushState(kind string, to string) {
	location, err := self.resolve(to)
	if err != nil {
		glog.Infof("[b]push state %s error = %s\n", to, err)
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if location.String() == self.location.String() {
		return
	}
	switch kind {
	case "replace":
		self.history[len(self.history)-1] = location.String()
	default:
		self.history = append(self.history, location.String())
	}
	self.location = location
}

func (self *HttpBrowser) Reload() {
	self.navigate(self.Location(), false)
}

func (self *HttpBrowser) navigate(location *url.URL, push bool) {
	go func() {
		status, markup, err := self.get(location, false)
		if err == nil && status != http.StatusOK {
			err = errors.Wrapf(ErrNavigateStatus, "status %d", status)
		}
		if err != nil {
			glog.Infof("[b]navigate %s error = %s\n", location, err)
			return
		}
		self.scheduler.Post(func() {
			self.stateLock.Lock()
			self.location = location
			if push {
				self.history = append(self.history, location.String())
			}
			self.stateLock.Unlock()
			for _, callback := range self.loadCallbacks.Get() {
				callback(location, markup)
			}
		})
	}()
}

func (self *HttpBrowser) FetchPage(href string, callback func(status int, markup string)) {
	location, err := self.resolve(href)
	if err != nil {
		callback(http.StatusBadRequest, "")
		return
	}
	go func() {
		status, markup, err := self.get(location, true)
		if err != nil {
			glog.Infof("[b]fetch %s error = %s\n", location, err)
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			} else {
				status = http.StatusBadRequest
			}
		}
		self.scheduler.Post(func() {
			callback(status, markup)
		})
	}()
}

func (self *HttpBrowser) get(location *url.URL, liveLink bool) (int, string, error) {
	ctx, cancel := context.WithTimeout(self.ctx, self.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if err != nil {
		return 0, "", err
	}
	if liveLink {
		req.Header.Set("content-type", "text/html")
		req.Header.Set("cache-control", "max-age=0, no-cache, no-store, must-revalidate, post-check=0, pre-check=0")
		req.Header.Set(LinkHeader, LinkHeaderValue)
	}
	res, err := self.client.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "get %s", location)
	}
	defer res.Body.Close()

	if liveLink && res.Header.Get(LinkHeader) != LinkHeaderValue {
		return http.StatusBadRequest, "", nil
	}
	if res.StatusCode != http.StatusOK {
		return res.StatusCode, "", nil
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, "", errors.Wrapf(err, "read %s", location)
	}
	return http.StatusOK, string(body), nil
}
