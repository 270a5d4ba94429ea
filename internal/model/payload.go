package model

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// PlannerPayload はプランナーAPIから取得した不透明なJSONオブジェクト。
// 取得後は変更せず、data.profilesのみ解析時に参照する。
type PlannerPayload map[string]json.RawMessage

// ErrNotJSONObject はJSONオブジェクト以外の値を受け取った場合のエラー。
var ErrNotJSONObject = errors.New("JSONオブジェクトではありません")

// DecodePlannerPayload はレスポンスボディをPlannerPayloadにデコードする。
// dataフィールドがJSON文字列としてエンコードされている場合は透過的に再デコードする。
func DecodePlannerPayload(body []byte) (PlannerPayload, error) {
	if !isJSONObject(body) {
		return nil, ErrNotJSONObject
	}
	var payload PlannerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("ペイロードのデコードに失敗: %w", err)
	}
	if payload == nil {
		return nil, ErrNotJSONObject
	}
	if raw, ok := payload["data"]; ok {
		decoded, err := unwrapJSONString(raw)
		if err != nil {
			return nil, err
		}
		payload["data"] = decoded
	}
	return payload, nil
}

// Data はdataフィールドをオブジェクトとして返す。
// dataが存在しない場合は空のマップを返す。
func (p PlannerPayload) Data() (map[string]json.RawMessage, error) {
	raw, ok := p["data"]
	if !ok || isJSONNull(raw) {
		return map[string]json.RawMessage{}, nil
	}
	raw, err := unwrapJSONString(raw)
	if err != nil {
		return nil, err
	}
	if !isJSONObject(raw) {
		return nil, fmt.Errorf("data: %w", ErrNotJSONObject)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("dataのデコードに失敗: %w", err)
	}
	return data, nil
}

// Profiles はdata.profiles配列を返す。profilesが存在しない場合はnilを返す。
// profilesが配列でない場合はエラーを返す。
func (p PlannerPayload) Profiles() ([]json.RawMessage, error) {
	data, err := p.Data()
	if err != nil {
		return nil, err
	}
	raw, ok := data["profiles"]
	if !ok || isJSONNull(raw) {
		return nil, nil
	}
	if first := firstByte(raw); first != '[' {
		return nil, errors.New("profilesが配列ではありません")
	}
	var profiles []json.RawMessage
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("profilesのデコードに失敗: %w", err)
	}
	return profiles, nil
}

// WithProfiles はdata.profilesを差し替えた新しいペイロードを返す。元のペイロードは変更しない。
func (p PlannerPayload) WithProfiles(profiles []json.RawMessage) (PlannerPayload, error) {
	data, err := p.Data()
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []json.RawMessage{}
	}
	encodedProfiles, err := json.Marshal(profiles)
	if err != nil {
		return nil, fmt.Errorf("profilesのエンコードに失敗: %w", err)
	}
	newData := make(map[string]json.RawMessage, len(data)+1)
	for k, v := range data {
		newData[k] = v
	}
	newData["profiles"] = encodedProfiles
	encodedData, err := json.Marshal(newData)
	if err != nil {
		return nil, fmt.Errorf("dataのエンコードに失敗: %w", err)
	}

	merged := make(PlannerPayload, len(p)+1)
	for k, v := range p {
		merged[k] = v
	}
	merged["data"] = encodedData
	return merged, nil
}

// unwrapJSONString は値がJSON文字列の場合に中身をJSONとして再デコードする。
func unwrapJSONString(raw json.RawMessage) (json.RawMessage, error) {
	if firstByte(raw) != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("data文字列のデコードに失敗: %w", err)
	}
	inner := bytes.TrimSpace([]byte(s))
	if !json.Valid(inner) {
		return nil, errors.New("data文字列が有効なJSONではありません")
	}
	return json.RawMessage(inner), nil
}

func firstByte(b []byte) byte {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func isJSONObject(b []byte) bool {
	return firstByte(b) == '{'
}

func isJSONNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
