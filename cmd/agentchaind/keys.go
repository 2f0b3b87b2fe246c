package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/urfave/cli/v2"

	"AgentChain/internal/proofs"
)

// resultFile 兼容 /api/v1/tasks/{id}/result 与任务详情两种输出。
type resultFile struct {
	TaskID    string            `json:"task_id"`
	Output    string            `json:"output"`
	Signature *proofs.Signature `json:"signature"`
}

func verify(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("用法: agentchaind verify <result.json>")
	}
	content, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	var result resultFile
	if err := json.Unmarshal(content, &result); err != nil {
		return fmt.Errorf("解析结果文件失败: %w", err)
	}
	if result.Signature == nil {
		return errors.New("结果文件中没有签名")
	}
	payload := result.Output
	if c.IsSet("payload") {
		payload = c.String("payload")
	}

	out := c.App.Writer
	if !proofs.VerifySignature(*result.Signature, []byte(payload)) {
		return fmt.Errorf("签名无效: signer=%s address=%s", result.Signature.Signer, result.Signature.Address)
	}
	fmt.Fprintf(out, "OK signer=%s address=%s hash=%s\n", result.Signature.Signer, result.Signature.Address, result.Signature.PayloadHash)
	return nil
}

func keygen(c *cli.Context) error {
	out := c.App.Writer
	dir := c.String("keystore")
	if dir == "" {
		key, address, err := proofs.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "address=%s\nprivate_key=%s\n", address, key)
		return nil
	}

	passphrase := os.Getenv(c.String("passphrase-env"))
	if passphrase == "" {
		return fmt.Errorf("环境变量 %s 未设置 keystore 口令", c.String("passphrase-env"))
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.NewAccount(passphrase)
	if err != nil {
		return fmt.Errorf("创建 keystore 失败: %w", err)
	}
	fmt.Fprintf(out, "address=%s\nkeystore=%s\n", account.Address.Hex(), account.URL.Path)
	return nil
}
