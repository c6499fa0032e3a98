package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	xerrors "cronos-sentinel/internal/errors"
)

const maxBodyBytes = 1 << 20

// wei 接受十进制字符串或 JSON 整数，保持任意精度。
type wei string

func (w *wei) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*w = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = wei(strings.TrimSpace(s))
		return nil
	}
	*w = wei(data)
	return nil
}

// parse 返回 nil 表示未提供。
func (w wei) parse(field string) (*big.Int, error) {
	if w == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(string(w), 10)
	if !ok || v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, field+" 必须为非负十进制整数",
			xerrors.WithMetadata("field", field))
	}
	return v, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code     xerrors.Code   `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// writeError 以统一结构输出错误，未知错误不会泄露内部细节。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(e.Code())),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{"error": errorBody{
		Code:     e.Code(),
		Message:  e.Message(),
		Metadata: e.Metadata(),
	}})
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
