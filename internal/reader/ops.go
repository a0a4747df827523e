package reader

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
)

// ReadOnce 单次盘点。场内无标签返回 (nil, nil)。
// 通讯故障时尝试一次重连后重发。
func (r *Reader) ReadOnce() (*r200.CardInfo, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdReadOnce, nil, r.cfg.Attempts)
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		if rerr := r.reconnect(); rerr != nil {
			return nil, rerr
		}
		fr, err = r.sendCommand(r200.TypeCommand, r200.CmdReadOnce, nil, r.cfg.Attempts)
	}
	if err != nil {
		var derr *DeviceError
		if errors.As(err, &derr) {
			// 无标签不算失败
			r.logf("read once: no tag in field (code 0x%02X)", derr.Code)
			return nil, nil
		}
		return nil, err
	}
	tag, perr := r200.ParseCardInfo(fr)
	if perr != nil {
		return nil, fmt.Errorf("read once: %w", perr)
	}
	r.logf("tag read: %s", tag)
	return tag, nil
}

// SetPower 按档位标签设置发射功率，成功后刷新实际增益。
// 可用档位见 PowerLevels。
func (r *Reader) SetPower(label string) error {
	cmd, ok := r200.PowerCommand(label)
	if !ok {
		return &ParameterError{Reason: fmt.Sprintf("unknown power level %q", label)}
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdSetPower, cmd[:], r.cfg.Attempts)
	if err != nil {
		return err
	}
	if len(fr.Data) < 1 || fr.Data[0] != 0x00 {
		return &DeviceError{Code: replyCode(fr.Data)}
	}
	r.logf("transmit power set to %s", label)
	if _, err := r.CurrentGain(); err != nil {
		r.logf("gain refresh after power change failed: %v", err)
	}
	return nil
}

// PowerLevels 返回可用的功率档位标签
func (r *Reader) PowerLevels() []string {
	return r200.PowerLabels()
}

// CurrentGain 查询当前发射增益（dBm）。查询失败时整体重试一次。
func (r *Reader) CurrentGain() (float64, error) {
	if !r.IsConnected() {
		return 0, ErrNotConnected
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		fr, err := r.sendCommand(r200.TypeCommand, r200.CmdGetPower, nil, r.cfg.Attempts)
		if err != nil {
			var te *TimeoutError
			if errors.As(err, &te) || errors.Is(err, r200.ErrChecksum) {
				lastErr = err
				continue
			}
			return 0, err
		}
		if len(fr.Data) != 2 {
			lastErr = fmt.Errorf("gain reply payload length %d", len(fr.Data))
			continue
		}
		gain := float64(int(fr.Data[0])<<8|int(fr.Data[1])) / 100
		r.mu.Lock()
		r.gain = gain
		r.gainValid = true
		r.mu.Unlock()
		return gain, nil
	}
	return 0, lastErr
}

// SetSelectMode 设置 Select 过滤模式
func (r *Reader) SetSelectMode(mode r200.SelectMode) error {
	if !mode.Valid() {
		return &ParameterError{Reason: fmt.Sprintf("select mode 0x%02X", byte(mode))}
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdSetSelectMode, []byte{byte(mode)}, r.cfg.Attempts)
	if err != nil {
		return err
	}
	if len(fr.Data) < 1 || fr.Data[0] != 0x00 {
		return &DeviceError{Code: replyCode(fr.Data)}
	}
	r.mu.Lock()
	r.selectMode = mode
	r.mu.Unlock()
	r.logf("select mode set to %s", mode)
	return nil
}

// SetSelectParams 下发 Select 过滤目标 EPC 并启用"除轮询外"过滤模式。
// 传空串等价于 ClearSelectParams。
func (r *Reader) SetSelectParams(targetEPC string) error {
	if targetEPC == "" {
		return r.ClearSelectParams()
	}
	epc, err := parseHexField(targetEPC, 12, "target epc")
	if err != nil {
		return err
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	payload := make([]byte, 0, 19)
	payload = append(payload, 0x01)                   // SelParam: Target=000 Action=000 MemBank=EPC
	payload = append(payload, 0x00, 0x00, 0x00, 0x20) // 掩码起始指针：EPC区bit 0x20
	payload = append(payload, 0x60)                   // 掩码长度 96 bit
	payload = append(payload, 0x00)                   // Truncate 关闭
	payload = append(payload, epc...)
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdSetSelectParams, payload, r.cfg.Attempts)
	if err != nil {
		return err
	}
	if len(fr.Data) < 1 || fr.Data[0] != 0x00 {
		return &DeviceError{Code: replyCode(fr.Data)}
	}
	r.mu.Lock()
	r.selectEPC = strings.ToUpper(hex.EncodeToString(epc))
	r.mu.Unlock()
	r.logf("select target set to %X", epc)
	return r.SetSelectMode(r200.SelectNonPolling)
}

// QuerySelectTarget 从设备读回当前 Select 掩码（96bit EPC 的十六进制表示）
func (r *Reader) QuerySelectTarget() (string, error) {
	if !r.IsConnected() {
		return "", ErrNotConnected
	}
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdGetSelectParams, nil, r.cfg.Attempts)
	if err != nil {
		return "", err
	}
	// 应答与设置参数同构：SelParam(1) + Ptr(4) + MaskLen(1) + Truncate(1) + Mask
	if len(fr.Data) < 7 {
		return "", fmt.Errorf("select params reply payload length %d", len(fr.Data))
	}
	return strings.ToUpper(hex.EncodeToString(fr.Data[7:])), nil
}

// ClearSelectParams 关闭 Select 过滤
func (r *Reader) ClearSelectParams() error {
	if err := r.SetSelectMode(r200.SelectDisabled); err != nil {
		return err
	}
	r.mu.Lock()
	r.selectEPC = ""
	r.mu.Unlock()
	r.logf("select filter cleared")
	return nil
}

// ReadTagMemory 读标签存储区，返回数据的十六进制表示。
// startAddr/words 以 16bit 字为单位。
func (r *Reader) ReadTagMemory(password string, bank r200.MemoryBank, startAddr, words int) (string, error) {
	if !bank.Valid() {
		return "", &ParameterError{Reason: fmt.Sprintf("memory bank 0x%02X", byte(bank))}
	}
	if startAddr < 0 || startAddr > 0xFFFF {
		return "", &ParameterError{Reason: fmt.Sprintf("start address %d out of range", startAddr)}
	}
	if words <= 0 || words > 0xFFFF {
		return "", &ParameterError{Reason: fmt.Sprintf("word count %d out of range", words)}
	}
	pwd, err := parseAccessPassword(password)
	if err != nil {
		return "", err
	}
	if !r.IsConnected() {
		return "", ErrNotConnected
	}
	payload := make([]byte, 0, 9)
	payload = append(payload, pwd...)
	payload = append(payload, byte(bank))
	payload = append(payload, byte(startAddr>>8), byte(startAddr))
	payload = append(payload, byte(words>>8), byte(words))
	fr, err := r.sendCommand(r200.TypeCommand, r200.CmdReadMemory, payload, r.cfg.Attempts)
	if err != nil {
		return "", err
	}
	data := strings.ToUpper(hex.EncodeToString(fr.Data))
	r.logf("memory read: bank=%s sa=%d dl=%d data=%s", bank, startAddr, words, data)
	return data, nil
}

// WriteEPC 写入新的 96bit EPC（24个十六进制字符）。
// EPC区字地址 0x0002 起、6个字。设备拒绝时返回 DeviceError，不重试。
func (r *Reader) WriteEPC(newEPC, password string) error {
	epc, err := parseHexField(newEPC, 12, "epc")
	if err != nil {
		return err
	}
	pwd, err := parseAccessPassword(password)
	if err != nil {
		return err
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	payload := make([]byte, 0, 21)
	payload = append(payload, pwd...)
	payload = append(payload, byte(r200.BankEPC))
	payload = append(payload, 0x00, 0x02) // EPC码从字地址2开始
	payload = append(payload, 0x00, 0x06)
	payload = append(payload, epc...)
	if _, err := r.sendCommand(r200.TypeCommand, r200.CmdWriteTag, payload, r.cfg.Attempts); err != nil {
		return err
	}
	r.logf("epc written: %X", epc)
	return nil
}

// WriteCard 向用户区起始地址写入任意字数据。hexData 长度必须是4个
// 十六进制字符（一个字）的整数倍，最多8个字。
func (r *Reader) WriteCard(hexData string) error {
	data, err := decodeHex(hexData, "user data")
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data)%2 != 0 {
		return &ParameterError{Reason: "user data must be whole 16bit words"}
	}
	if len(data) > 16 {
		return &ParameterError{Reason: "user data exceeds 8 words"}
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	words := len(data) / 2
	payload := make([]byte, 0, 9+len(data))
	payload = append(payload, 0x00, 0x00, 0x00, 0x00) // 默认访问密码
	payload = append(payload, byte(r200.BankUser))
	payload = append(payload, 0x00, 0x00)
	payload = append(payload, byte(words>>8), byte(words))
	payload = append(payload, data...)
	if _, err := r.sendCommand(r200.TypeCommand, r200.CmdWriteTag, payload, r.cfg.Attempts); err != nil {
		return err
	}
	r.logf("user bank written: %d words", words)
	return nil
}

func replyCode(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

// decodeHex 十六进制字符串 → 字节，空格容忍，大小写不敏感
func decodeHex(s, name string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &ParameterError{Reason: name + " is not valid hex"}
	}
	return b, nil
}

// parseHexField 解析定长十六进制字段
func parseHexField(s string, wantBytes int, name string) ([]byte, error) {
	b, err := decodeHex(s, name)
	if err != nil {
		return nil, err
	}
	if len(b) != wantBytes {
		return nil, &ParameterError{Reason: fmt.Sprintf("%s must be %d hex chars", name, wantBytes*2)}
	}
	return b, nil
}

// parseAccessPassword 访问密码：空串视为全零，不足8个十六进制字符时左侧补零
func parseAccessPassword(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		s = "00000000"
	}
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return nil, &ParameterError{Reason: "access password must be at most 8 hex chars"}
	}
	return b, nil
}
