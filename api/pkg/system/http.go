package system

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	stdlog "log"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

type HTTPError struct {
	StatusCode int
	Message    string
	// Body, when set, is written as JSON instead of the plain text message
	Body any
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError(err error) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Message:    err.Error(),
	}
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
	}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusNotFound,
		Message:    message,
	}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
	}
}

func NewHTTPError503(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
	}
}

// WithBody attaches a JSON body to the error response
func (e *HTTPError) WithBody(body any) *HTTPError {
	e.Body = body
	return e
}

type httpErrorHandler func(err *HTTPError, req *http.Request)

var HTTPErrorHandler httpErrorHandler

// functions that understand they need to return a http error
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

type WrapperConfig struct {
	SilenceErrors bool
}

func SetHTTPErrorHandler(handler httpErrorHandler) {
	HTTPErrorHandler = handler
}

// wrap a http handler with some error handling
// so if it returns an error we handle it
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return WrapperWithConfig(handler, WrapperConfig{})
}

func WrapperWithConfig[T any](handler httpWrapper[T], config WrapperConfig) func(res http.ResponseWriter, req *http.Request) {
	ret := func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			if HTTPErrorHandler != nil {
				HTTPErrorHandler(err, req)
			}
			statusCode := err.StatusCode
			if statusCode == 0 {
				statusCode = http.StatusInternalServerError
			}
			if !config.SilenceErrors {
				log.Ctx(req.Context()).Error().Int("status", statusCode).Msgf("error for route: %s", err.Error())
			}
			if err.Body != nil {
				writeJSON(res, req, statusCode, err.Body)
				return
			}
			http.Error(res, err.Error(), statusCode)
			return
		}
		writeJSON(res, req, http.StatusOK, data)
	}
	return ret
}

func writeJSON(res http.ResponseWriter, req *http.Request, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", err.Error())
		http.Error(res, err.Error(), http.StatusInternalServerError)
		return
	}
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(statusCode)
	_, _ = res.Write(append(body, '\n'))
}

func NewRetryClient(retryMax int, tlsSkipVerify bool) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax

	if tlsSkipVerify {
		retryClient.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		log.Trace().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msgf("")
	}
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp == nil {
			return true, err
		}
		log.Trace().
			Str(resp.Request.Method, resp.Request.URL.String()).
			Int("code", resp.StatusCode).
			Msgf("")
		// 503 means the pool is full, retrying immediately won't help
		return resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable, nil
	}
	return retryClient
}
