// Command agentchaind 运行智能体执行服务，并提供密钥与签名相关的辅助命令。
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "agentchaind 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "agentchaind",
		Usage:   "可签名、可委派的智能体执行服务",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			verifyCommand(),
			keygenCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动 API、任务处理器与指标服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径，未指定时读取 AGENTCHAIN_CONFIG",
			},
		},
		Action: serve,
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "离线校验任务结果的签名",
		ArgsUsage: "<result.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "payload",
				Usage: "覆盖结果文件中的 output 字段",
			},
		},
		Action: verify,
	}
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "为智能体生成签名密钥",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "keystore",
				Usage: "写入加密 keystore 的目录；为空时直接输出十六进制私钥",
			},
			&cli.StringFlag{
				Name:  "passphrase-env",
				Value: "AGENTCHAIN_KEYSTORE_PASSPHRASE",
				Usage: "保存 keystore 口令的环境变量",
			},
		},
		Action: keygen,
	}
}
