package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay-gateway/core/mapper"
	"relay-gateway/core/utils"
	"relay-gateway/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const (
	// 超过此长度仍无换行的数据按原文强制输出
	maxUndelimitedBytes = 2048
	readChunkSize       = 4096
	defaultHeartbeat    = 8 * time.Second
)

var doneSentinel = []byte("[DONE]")

// FlushWriter 支持逐帧刷新的输出端，gin.ResponseWriter 与 httptest.ResponseRecorder 均满足
type FlushWriter interface {
	io.Writer
	Flush()
}

// SetStreamHeaders 设置 SSE 响应头
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // 禁用 Nginx 缓冲
}

// StreamRelay 把上游增量 Body 转换为 chat.completion.chunk 帧序列
type StreamRelay struct {
	heartbeat time.Duration
	logger    *logrus.Logger
	metrics   *Metrics
}

// NewStreamRelay 创建流式转发器；heartbeat 下限由配置层保证
func NewStreamRelay(heartbeat time.Duration, logger *logrus.Logger, metrics *Metrics) *StreamRelay {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamRelay{heartbeat: heartbeat, logger: logger, metrics: metrics}
}

// streamSession 一次流式响应的帧构造与写出，只在转发循环所在的 goroutine 中使用
type streamSession struct {
	w       FlushWriter
	base    []byte
	metrics *Metrics
}

func newStreamSession(w FlushWriter, model string, metrics *Metrics) *streamSession {
	chunk := models.ChatCompletionChunk{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatChunkChoice{{Index: 0}},
	}
	base, _ := json.Marshal(chunk)
	return &streamSession{w: w, base: base, metrics: metrics}
}

func (s *streamSession) write(kind string, frame []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	s.w.Flush()
	s.metrics.RecordFrame(kind)
	return nil
}

func (s *streamSession) open() error {
	frame, _ := sjson.SetBytes(s.base, "choices.0.delta.role", "assistant")
	frame, _ = sjson.SetBytes(frame, "choices.0.delta.content", "")
	return s.write("open", frame)
}

// heartbeat 与内容帧完全相同的格式，仅内容为空
func (s *streamSession) heartbeat() error {
	frame, _ := sjson.SetBytes(s.base, "choices.0.delta.content", "")
	return s.write("heartbeat", frame)
}

func (s *streamSession) content(text string) error {
	frame, _ := sjson.SetBytes(s.base, "choices.0.delta.content", text)
	return s.write("content", frame)
}

// toolCalls 流式客户端要求每个 tool_calls 条目都带 index
func (s *streamSession) toolCalls(calls []models.ChatToolCall) error {
	indexed := make([]models.ChatToolCall, len(calls))
	for i, call := range calls {
		if call.Index == nil {
			idx := i
			call.Index = &idx
		}
		indexed[i] = call
	}
	raw, err := json.Marshal(indexed)
	if err != nil {
		return err
	}
	frame, _ := sjson.SetRawBytes(s.base, "choices.0.delta.tool_calls", raw)
	return s.write("content", frame)
}

// close 结束帧 + 终止标记
func (s *streamSession) close(finishReason string) error {
	frame, _ := sjson.SetBytes(s.base, "choices.0.finish_reason", finishReason)
	if err := s.write("close", frame); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// handleLine 处理一行上游数据；返回 true 表示遇到终止标记
func (s *streamSession) handleLine(line []byte) (bool, error) {
	payload, ok := streamPayload(line)
	if !ok {
		return false, nil
	}
	if isDoneSentinel(payload) {
		return true, nil
	}
	text, structured := mapper.StreamText(payload)
	if !structured {
		text = string(payload)
	}
	if text == "" {
		return false, nil
	}
	return false, s.content(text)
}

// drain 切分缓冲区中的完整行；无换行数据超过上限时按完整字符输出
func (s *streamSession) drain(pending *[]byte) (bool, error) {
	for {
		idx := bytes.IndexByte(*pending, '\n')
		if idx < 0 {
			break
		}
		line := (*pending)[:idx]
		*pending = (*pending)[idx+1:]
		done, err := s.handleLine(line)
		if done || err != nil {
			*pending = nil
			return done, err
		}
	}
	if len(*pending) > maxUndelimitedBytes {
		// 末尾未读完的多字节字符留到下一次
		n := utils.CompleteRunes(*pending)
		if n == 0 {
			return false, nil
		}
		text := string((*pending)[:n])
		*pending = append([]byte(nil), (*pending)[n:]...)
		return false, s.content(text)
	}
	return false, nil
}

// Relay 转发增量 Body，直到上游结束、遇到终止标记或客户端断开
// 除客户端断开外的所有退出路径都会写出结束帧与 [DONE]；Body 总会被关闭
func (r *StreamRelay) Relay(ctx context.Context, w FlushWriter, body io.ReadCloser, model string) error {
	defer body.Close()

	s := newStreamSession(w, model, r.metrics)
	if err := s.open(); err != nil {
		return err
	}

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- data:
				case <-done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			r.logger.Warn("⚠️ Stream client disconnected, aborting relay")
			return ctx.Err()

		case <-ticker.C:
			if err := s.heartbeat(); err != nil {
				return err
			}

		case data := <-chunks:
			pending = append(pending, data...)
			finished, err := s.drain(&pending)
			if err != nil {
				return err
			}
			if finished {
				return s.close("stop")
			}

		case err := <-readErr:
			if len(pending) > 0 {
				if _, werr := s.handleLine(pending); werr != nil {
					return werr
				}
			}
			if !errors.Is(err, io.EOF) {
				r.logger.Errorf("❌ Upstream stream error: %v", err)
			}
			return s.close("stop")
		}
	}
}

// EmitCompletion 上游返回了完整结果但调用方要求流式时，合成一段完整的帧序列
func (r *StreamRelay) EmitCompletion(w FlushWriter, completion *models.ChatCompletionResponse) error {
	s := newStreamSession(w, completion.Model, r.metrics)
	if err := s.open(); err != nil {
		return err
	}

	finish := "stop"
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		if text := choice.Message.StringContent(); text != "" {
			if err := s.content(text); err != nil {
				return err
			}
		}
		if len(choice.Message.ToolCalls) > 0 {
			if err := s.toolCalls(choice.Message.ToolCalls); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	return s.close(finish)
}

// streamPayload 提取一行中的数据部分
// 去掉 \r 与 data: 前缀；空行、event: 行和 SSE 注释行返回 false
func streamPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil, false
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		payload := bytes.TrimPrefix(trimmed, []byte("data:"))
		payload = bytes.TrimPrefix(payload, []byte(" "))
		if len(payload) == 0 {
			return nil, false
		}
		return payload, true
	}
	return line, true
}

func isDoneSentinel(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), doneSentinel)
}
