// Package providers adapts hosted LLM APIs to agent.ChatModel.
//
// AnthropicModel and OpenAIModel translate one agent.CompletionRequest into
// one vendor call, one-shot or streaming, and report failures as
// *ProviderError carrying the HTTP status and a FailoverReason. They never
// retry: the executor's retry policy and FailoverModel decide what happens
// next.
//
//	primary, _ := providers.NewAnthropicModel(providers.AnthropicConfig{APIKey: key})
//	backup, _ := providers.NewOpenAIModel(providers.OpenAIConfig{APIKey: other})
//	model := providers.NewFailoverModel(providers.DefaultFailoverConfig(), primary, backup)
package providers
