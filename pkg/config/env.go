// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "os"

// ModelEnv holds the subset of environment variables that select and
// authenticate a model provider. tentickle never parses provider-specific
// SDK config itself (the abstract types.ModelClient contract is all the
// engine depends on) — these are passed through to whatever ModelClient
// implementation the host process wires up.
type ModelEnv struct {
	OpenAIAPIKey    string
	GoogleAPIKey    string
	UseGoogleModel  bool
	TelegramToken   string
	TelegramAllowed string
	IMessageHandle  string
}

// LoadModelEnv reads the environment variables named in the external-facing
// surface: OPENAI_API_KEY, GOOGLE_API_KEY, USE_GOOGLE_MODEL,
// TELEGRAM_BOT_TOKEN, TELEGRAM_ALLOWED_USERS, IMESSAGE_HANDLE.
func LoadModelEnv() ModelEnv {
	return ModelEnv{
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		UseGoogleModel:  os.Getenv("USE_GOOGLE_MODEL") == "true" || os.Getenv("USE_GOOGLE_MODEL") == "1",
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAllowed: os.Getenv("TELEGRAM_ALLOWED_USERS"),
		IMessageHandle:  os.Getenv("IMESSAGE_HANDLE"),
	}
}
