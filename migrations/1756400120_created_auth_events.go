package migrations

import (
	"encoding/json"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		jsonData := `{
			"id": "pbc_auth_events1",
			"name": "auth_events",
			"type": "base",
			"system": false,
			"fields": [
				{
					"id": "text_ticket",
					"name": "ticket",
					"type": "text",
					"required": true,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 64,
					"pattern": ""
				},
				{
					"id": "text_action_type",
					"name": "action_type",
					"type": "text",
					"required": true,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 32,
					"pattern": ""
				},
				{
					"id": "text_from_status",
					"name": "from_status",
					"type": "text",
					"required": false,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 16,
					"pattern": ""
				},
				{
					"id": "text_to_status",
					"name": "to_status",
					"type": "text",
					"required": true,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 16,
					"pattern": ""
				},
				{
					"id": "number_version",
					"name": "version",
					"type": "number",
					"required": false,
					"presentable": false,
					"system": false,
					"min": null,
					"max": null,
					"onlyInt": true
				},
				{
					"id": "text_actor",
					"name": "actor",
					"type": "text",
					"required": false,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 64,
					"pattern": ""
				},
				{
					"id": "text_recorded",
					"name": "recorded",
					"type": "text",
					"required": false,
					"presentable": false,
					"system": false,
					"min": 0,
					"max": 40,
					"pattern": ""
				}
			],
			"indexes": [
				"CREATE INDEX idx_auth_events_ticket ON auth_events (ticket)"
			],
			"listRule": null,
			"viewRule": null,
			"createRule": null,
			"updateRule": null,
			"deleteRule": null
		}`

		collection := &core.Collection{}
		if err := json.Unmarshal([]byte(jsonData), collection); err != nil {
			return err
		}

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("auth_events")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
