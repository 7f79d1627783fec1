// Package docs отдаёт OpenAPI-описание campaign-api и страницу Swagger UI.
package docs

import _ "embed"

//go:embed campaign-api.openapi.yaml
var CampaignOpenAPI []byte

//go:embed swagger.html
var CampaignSwaggerHTML []byte
