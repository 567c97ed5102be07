// Package docker 通过 Docker 兼容的 HTTP 控制 API 启动容器任务。
// 适配器只负责 create + start，不等待容器结束；完成情况由结果文件约定经外部协作者上报。
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/dispatch"
	"Foreman/backend/go/internal/dispatch/execjob"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/circuitbreaker"
	pkghttp "Foreman/backend/go/pkg/http"
	"Foreman/backend/go/pkg/logger"
)

// 响应体写入错误信封时的最大长度。
const maxBodyInError = 4096

// ContainerSpec 对应 POST /containers/create 的请求体。
type ContainerSpec struct {
	Image string   `json:"Image"`
	Cmd   []string `json:"Cmd,omitempty"`
	Env   []string `json:"Env,omitempty"`
}

type createResponse struct {
	ID string `json:"Id"`
}

// Adapter 实现 dispatch.Adapter，HandlerKind 为 docker。
type Adapter struct {
	client    *pkghttp.Client
	baseURL   string
	auth      config.DockerAuthConfig
	handlers  map[string]config.DockerHandlerConfig
	resultDir string
	log       *logger.Logger
}

var _ dispatch.Adapter = (*Adapter)(nil)

// New 根据配置创建适配器。SocketPath 非空时经 unix socket 访问，否则访问 Endpoint。
func New(cfg config.DockerConfig, breaker config.CircuitBreakerConfig, log *logger.Logger) (*Adapter, error) {
	if log == nil {
		log = logger.New("DockerAdapter", "", "")
	}
	client, err := pkghttp.NewClient(pkghttp.ClientOptions{
		Name:       "docker",
		Timeout:    config.Duration(cfg.Timeout, 30*time.Second),
		SocketPath: cfg.SocketPath,
		Breaker:    breaker,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(cfg.Endpoint, "/")
	if cfg.SocketPath != "" {
		// 走 unix socket 时 host 部分只是占位。
		base = "http://docker"
	}
	if base == "" {
		return nil, errors.New("docker: endpoint or socketPath is required")
	}
	if v := strings.Trim(cfg.APIVersion, "/"); v != "" {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		base += "/" + v
	}
	return &Adapter{
		client:    client,
		baseURL:   base,
		auth:      cfg.Auth,
		handlers:  cfg.Handlers,
		resultDir: cfg.ResultDir,
		log:       log,
	}, nil
}

// Kind 实现 dispatch.Adapter。
func (a *Adapter) Kind() models.HandlerKind { return models.HandlerDocker }

// Run 创建并启动任务对应的容器，返回 Pending 结果。
func (a *Adapter) Run(ctx context.Context, task *models.Task) (*dispatch.Result, error) {
	h, ok := a.handlers[task.HandlerID]
	if !ok {
		return nil, apperror.Permanent(apperror.CodeHandlerNotFound,
			fmt.Sprintf("no docker image configured for handler %q", task.HandlerID))
	}
	job := execjob.FromTask(task)
	arg, err := execjob.EncodeArg(job)
	if err != nil {
		return nil, apperror.Permanent(apperror.CodeInvalidTaskInput, "cannot encode job input").WithCause(err)
	}

	env := make(map[string]string, len(h.Env)+2)
	for k, v := range h.Env {
		env[k] = v
	}
	for k, v := range execjob.Env(job, a.resultDir) {
		env[k] = v
	}
	spec := ContainerSpec{
		Image: h.Image,
		Cmd:   append(append([]string{}, h.Cmd...), arg),
		Env:   envList(env),
	}

	id, err := a.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := a.StartContainer(ctx, id); err != nil {
		return nil, err
	}
	a.log.ForTask(task.ID, task.OwnerID).WithPayload(map[string]interface{}{
		"container_id": id,
		"image":        h.Image,
	}).Info("容器已启动")
	return &dispatch.Result{Pending: true, ExternalID: id}, nil
}

// CreateContainer 调用 POST /containers/create 并返回容器 id。
func (a *Adapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", apperror.Permanent(apperror.CodeDockerCreateContainer, "cannot encode container spec").WithCause(err)
	}
	status, respBody, err := a.do(ctx, http.MethodPost, "/containers/create", body)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", statusError(apperror.CodeDockerCreateContainer, "create container", status, respBody)
	}
	var out createResponse
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", apperror.Permanent(apperror.CodeDockerCreateContainer, "create container response has no Id").
			WithDetails(map[string]interface{}{"status": status, "body": truncate(respBody)})
	}
	return out.ID, nil
}

// StartContainer 调用 POST /containers/{id}/start。
func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	status, respBody, err := a.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return statusError(apperror.CodeDockerStartContainer, "start container", status, respBody).
			WithDetail("containerId", id)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, apperror.Permanent(apperror.CodeDockerRequestFailed, "cannot build docker request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h := authHeader(a.auth); h != "" {
		req.Header.Set("Authorization", h)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		fault := apperror.Transient(apperror.CodeDockerRequestFailed,
			fmt.Sprintf("%s %s failed", method, path)).WithCause(err)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			fault = fault.WithDetail("circuit", "open")
		}
		return 0, nil, fault
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, apperror.Transient(apperror.CodeDockerRequestFailed, "cannot read docker response").WithCause(err)
	}
	return resp.StatusCode, respBody, nil
}

func authHeader(auth config.DockerAuthConfig) string {
	switch auth.Type {
	case config.DockerAuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		return "Basic " + cred
	case config.DockerAuthBearer:
		return "Bearer " + auth.Token
	}
	return ""
}

func statusError(code, op string, status int, body []byte) *apperror.Error {
	text := truncate(body)
	return apperror.Permanent(code, fmt.Sprintf("%s: HTTP %d: %s", op, status, text)).
		WithDetails(map[string]interface{}{"status": status, "body": text})
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxBodyInError {
		return s[:maxBodyInError]
	}
	return s
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
