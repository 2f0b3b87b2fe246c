// Package web3 提供只读的链上访问能力：多链 YAML 配置、基于 go-ethereum
// ethclient 的 EVM 客户端，以及按名称管理客户端的注册表。智能体通过
// internal/tools 中的内置工具间接使用这些能力。
package web3
