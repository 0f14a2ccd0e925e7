package browserdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/browserwf/internal/model"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

// DockerConfig configures the ephemeral-container reference Driver: one
// disposable container per page, each running a headless browser image
// that exposes its Chrome DevTools Protocol endpoint.
type DockerConfig struct {
	Image       string // default "chromedp/headless-shell:latest"
	MemoryMB    int64  // default 512
	NetworkMode string // default "bridge" (pages need outbound network)
	DevtoolsPort int   // container-side CDP port, default 9222
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "chromedp/headless-shell:latest"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.DevtoolsPort == 0 {
		c.DevtoolsPort = 9222
	}
	return c
}

// dockerPage is a Page backed by one ephemeral container and its open CDP
// websocket connection.
type dockerPage struct {
	id          string
	containerID string
	targetID    string
	client      *cdpClient
}

func (p *dockerPage) ID() string { return p.id }

// DockerDriver is the reference BrowserDriver (C1): opening a page
// launches a fresh container; closing a page kills and removes it.
type DockerDriver struct {
	cli    *client.Client
	cfg    DockerConfig
	hostIP string

	mu       sync.Mutex
	pages    map[string]*dockerPage
	shutdown bool
}

// NewDockerDriver connects to the local Docker daemon via the standard
// environment (DOCKER_HOST etc.).
func NewDockerDriver(cfg DockerConfig) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerDriver{
		cli:    cli,
		cfg:    cfg.withDefaults(),
		hostIP: "127.0.0.1",
		pages:  make(map[string]*dockerPage),
	}, nil
}

func (d *DockerDriver) OpenPage(ctx context.Context) (Page, error) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil, model.NewError(model.ErrDriverCrashed, "driver is shut down")
	}
	d.mu.Unlock()

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", d.cfg.DevtoolsPort))
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.cfg.Image,
		Cmd: []string{
			fmt.Sprintf("--remote-debugging-port=%d", d.cfg.DevtoolsPort),
			"--remote-debugging-address=0.0.0.0",
			"--no-sandbox",
		},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: d.hostIP, HostPort: "0"}},
		},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, model.NewError(model.ErrDriverCrashed, "create page container: %v", err)
	}
	containerID := resp.ID

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, model.NewError(model.ErrDriverCrashed, "start page container: %v", err)
	}

	hostPort, err := d.publishedPort(ctx, containerID, containerPort)
	if err != nil {
		_ = d.cli.ContainerKill(ctx, containerID, "SIGKILL")
		return nil, err
	}

	targetID, wsURL, err := d.newTarget(ctx, hostPort, "about:blank")
	if err != nil {
		_ = d.cli.ContainerKill(ctx, containerID, "SIGKILL")
		return nil, err
	}

	cdp, err := dialCDP(ctx, wsURL)
	if err != nil {
		_ = d.cli.ContainerKill(ctx, containerID, "SIGKILL")
		return nil, model.NewError(model.ErrDriverCrashed, "dial devtools: %v", err)
	}

	page := &dockerPage{id: uuid.NewString(), containerID: containerID, targetID: targetID, client: cdp}
	d.mu.Lock()
	d.pages[page.id] = page
	d.mu.Unlock()
	return page, nil
}

// publishedPort polls the container's assigned host port until the
// devtools HTTP endpoint answers or ctx is done.
func (d *DockerDriver) publishedPort(ctx context.Context, containerID string, containerPort nat.Port) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", model.NewError(model.ErrDriverCrashed, "inspect page container: %v", err)
	}
	bindings, ok := inspect.NetworkSettings.Ports[containerPort]
	if !ok || len(bindings) == 0 {
		return "", model.NewError(model.ErrDriverCrashed, "page container published no devtools port")
	}
	return bindings[0].HostPort, nil
}

// newTarget asks the devtools HTTP endpoint to open a new page navigated
// to url and returns its target id and websocket debugger URL.
func (d *DockerDriver) newTarget(ctx context.Context, hostPort, url string) (targetID, wsURL string, err error) {
	endpoint := fmt.Sprintf("http://%s:%s/json/new?%s", d.hostIP, hostPort, url)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return "", "", model.NewError(model.ErrDriverCrashed, "build devtools request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", model.NewError(model.ErrDriverCrashed, "devtools endpoint not reachable: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", model.NewError(model.ErrDriverCrashed, "read devtools response: %v", err)
	}
	var target struct {
		ID                   string `json:"id"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &target); err != nil {
		return "", "", model.NewError(model.ErrDriverCrashed, "parse devtools response: %v", err)
	}
	return target.ID, target.WebSocketDebuggerURL, nil
}

func (d *DockerDriver) lookup(page Page) (*dockerPage, error) {
	p, ok := page.(*dockerPage)
	if !ok {
		return nil, model.NewError(model.ErrDriverCrashed, "page handle not owned by this driver")
	}
	d.mu.Lock()
	_, tracked := d.pages[p.id]
	d.mu.Unlock()
	if !tracked {
		return nil, model.NewError(model.ErrDriverCrashed, "page %s is no longer tracked", p.id)
	}
	return p, nil
}

func (d *DockerDriver) Execute(ctx context.Context, page Page, action string, params map[string]any, deadline time.Time) (map[string]any, error) {
	p, err := d.lookup(page)
	if err != nil {
		return nil, err
	}
	if err := ValidateAction(action); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	switch action {
	case ActionNavigate:
		return d.navigate(ctx, p, params)
	case ActionClick:
		return d.evaluateExpr(ctx, p, fmt.Sprintf("(function(){var e=document.querySelector(%s); if(!e) throw new Error('selector not found'); e.click(); return true;})()", jsString(params["selector"])))
	case ActionType:
		return d.evaluateExpr(ctx, p, fmt.Sprintf("(function(){var e=document.querySelector(%s); if(!e) throw new Error('selector not found'); e.focus(); e.value=%s; e.dispatchEvent(new Event('input',{bubbles:true})); return true;})()", jsString(params["selector"]), jsString(params["text"])))
	case ActionGetText:
		return d.evaluateExpr(ctx, p, fmt.Sprintf("(function(){var e=document.querySelector(%s); if(!e) throw new Error('selector not found'); return e.textContent;})()", jsString(params["selector"])))
	case ActionGetContent:
		return d.evaluateExpr(ctx, p, "document.documentElement.outerHTML")
	case ActionEvaluate:
		script, _ := params["script"].(string)
		return d.evaluateExpr(ctx, p, script)
	case ActionScreenshot:
		return d.screenshot(ctx, p, params)
	default:
		return nil, model.NewError(model.ErrInvalidDefinition, "unhandled action %q", action)
	}
}

func jsString(v any) string {
	s, _ := v.(string)
	b, _ := json.Marshal(s)
	return string(b)
}

func (d *DockerDriver) navigate(ctx context.Context, p *dockerPage, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, model.NewError(model.ErrUnresolvedReference, "navigate: missing url parameter")
	}
	var result struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := p.client.call(ctx, "Page.navigate", map[string]any{"url": url}, &result); err != nil {
		return nil, classifyCDPError(err, "navigate")
	}
	if result.ErrorText != "" {
		return nil, model.NewError(model.ErrNavigation, "%s: %s", url, result.ErrorText)
	}
	return map[string]any{"url": url, "frame_id": result.FrameID}, nil
}

func (d *DockerDriver) evaluateExpr(ctx context.Context, p *dockerPage, expression string) (map[string]any, error) {
	var result struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := p.client.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &result)
	if err != nil {
		return nil, classifyCDPError(err, "evaluate")
	}
	if result.ExceptionDetails != nil {
		if strings.Contains(result.ExceptionDetails.Text, "selector not found") {
			return nil, model.NewError(model.ErrSelectorTimeout, "%s", result.ExceptionDetails.Text)
		}
		return nil, model.NewError(model.ErrScript, "%s", result.ExceptionDetails.Text)
	}
	return map[string]any{"value": result.Result.Value}, nil
}

func (d *DockerDriver) screenshot(ctx context.Context, p *dockerPage, params map[string]any) (map[string]any, error) {
	fullPage, _ := params["full_page"].(bool)
	var result struct {
		Data string `json:"data"`
	}
	if err := p.client.call(ctx, "Page.captureScreenshot", map[string]any{
		"format":      "png",
		"captureBeyondViewport": fullPage,
	}, &result); err != nil {
		return nil, classifyCDPError(err, "screenshot")
	}
	out := map[string]any{"data_base64": result.Data}
	if path, _ := params["path"].(string); path != "" {
		out["path"] = path
	}
	return out, nil
}

// classifyCDPError maps a cdpClient error (already a *model.Error tagged
// by call) into the driver-facing kind appropriate for op. Timeout,
// script and selector-timeout classifications pass through unchanged;
// anything else (a transport-level failure) becomes ErrDriverCrashed.
func classifyCDPError(err error, op string) error {
	merr := model.AsError(err)
	switch merr.Kind {
	case model.ErrTimeout, model.ErrScript, model.ErrSelectorTimeout:
		return merr
	default:
		return model.NewError(model.ErrDriverCrashed, "%s: %s", op, merr.Message)
	}
}

func (d *DockerDriver) ResetPage(ctx context.Context, page Page, fullReset bool) error {
	p, err := d.lookup(page)
	if err != nil {
		return err
	}
	if _, err := d.navigate(ctx, p, map[string]any{"url": "about:blank"}); err != nil {
		return err
	}
	if fullReset {
		if err := p.client.call(ctx, "Network.clearBrowserCookies", nil, nil); err != nil {
			return classifyCDPError(err, "reset")
		}
		script := "try{localStorage.clear(); sessionStorage.clear();}catch(e){}"
		if _, err := d.evaluateExpr(ctx, p, script); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerDriver) ClosePage(ctx context.Context, page Page) error {
	p, ok := page.(*dockerPage)
	if !ok {
		return model.NewError(model.ErrDriverCrashed, "page handle not owned by this driver")
	}
	d.mu.Lock()
	delete(d.pages, p.id)
	d.mu.Unlock()

	_ = p.client.close()
	if err := d.cli.ContainerKill(ctx, p.containerID, "SIGKILL"); err != nil && !isContainerGoneErr(err) {
		return model.NewError(model.ErrDriverCrashed, "kill page container: %v", err)
	}
	return nil
}

func isContainerGoneErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such container") || strings.Contains(msg, "is not running")
}

func (d *DockerDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	pages := make([]*dockerPage, 0, len(d.pages))
	for _, p := range d.pages {
		pages = append(pages, p)
	}
	d.pages = make(map[string]*dockerPage)
	d.mu.Unlock()

	for _, p := range pages {
		_ = p.client.close()
		_ = d.cli.ContainerKill(ctx, p.containerID, "SIGKILL")
	}
	return d.cli.Close()
}
