// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 auth 把请求凭证解析为调用方身份（组织、项目、用户）。

支持两种凭证：

  - JWT：Authorization: Bearer <token>，HS256 或 RS256，
    声明 organization_id、project_id 必填，user_id 缺省时取 sub，roles 可选。
  - 静态 API Key：Authorization: ApiKey <key> 或 X-API-Key 头，
    每个 Key 在配置中绑定固定身份。

HTTP 中间件与 gRPC 拦截器共用同一个 Authenticator。
*/
package auth
