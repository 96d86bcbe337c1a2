// 版权所有 2026 GenFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 GenFlow 的 HTTP 监听器生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，Run 阻塞到 ctx 结束或服务异常退出，
Shutdown 在 ShutdownTimeout 内排空连接。API 与 /metrics 各用一个 Manager。
信号处理由调用方通过 signal.NotifyContext 完成。
*/
package server
