package zarr

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const transformsSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "oneOf": [
      {
        "type": "object",
        "required": ["type", "scale"],
        "properties": {
          "type": {"const": "scale"},
          "scale": {"type": "array", "minItems": 2, "items": {"type": "number"}}
        }
      },
      {
        "type": "object",
        "required": ["type", "translation"],
        "properties": {
          "type": {"const": "translation"},
          "translation": {"type": "array", "minItems": 2, "items": {"type": "number"}}
        }
      }
    ]
  }
}`

const customPropertiesSchema = `
  "direction": {
    "type": "array", "minItems": 3, "maxItems": 3,
    "items": {"type": "array", "minItems": 3, "maxItems": 3, "items": {"type": "number"}}
  },
  "ranges": {
    "type": "array",
    "items": {"type": "array", "minItems": 2, "maxItems": 2, "items": {"type": "number"}}
  }`

var imageSchemaSources = map[string]string{
	"0.4": `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["multiscales"],
  "properties": {
    "multiscales": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["datasets", "axes"],
        "properties": {
          "name": {"type": "string"},
          "version": {"enum": ["0.4"]},
          "datasets": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["path", "coordinateTransformations"],
              "properties": {
                "path": {"type": "string"},
                "coordinateTransformations": ` + transformsSchema + `
              }
            }
          },
          "axes": {
            "type": "array",
            "minItems": 2,
            "maxItems": 5,
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"enum": ["x", "y", "z", "c", "t"]},
                "type": {"enum": ["channel", "time", "space"]}
              }
            }
          },
          "coordinateTransformations": ` + transformsSchema + `,` + customPropertiesSchema + `
        }
      }
    }
  }
}`,
	"0.1": `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["multiscales"],
  "properties": {
    "multiscales": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["datasets"],
        "properties": {
          "name": {"type": "string"},
          "version": {"enum": ["0.1"]},
          "datasets": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["path"],
              "properties": {"path": {"type": "string"}}
            }
          },
          "metadata": {
            "type": "object",
            "properties": {
              "method": {"type": "string"},
              "version": {"type": "string"}
            }
          },` + customPropertiesSchema + `
        }
      }
    }
  }
}`,
}

const arraySchemaSource = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["shape", "chunks", "dtype"],
  "properties": {
    "shape": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 1}},
    "chunks": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 1}},
    "dtype": {"type": "string"},
    "compressor": {
      "oneOf": [
        {"type": "null"},
        {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string"},
            "cname": {"enum": ["blosclz", "lz4", "lz4hc", "snappy", "zlib", "zstd"]},
            "clevel": {"type": "number"},
            "shuffle": {"type": "number"},
            "blocksize": {"type": "number"}
          }
        }
      ]
    },
    "order": {"enum": ["C", "F"]},
    "dimension_separator": {"enum": [".", "/"]}
  }
}`

var (
	schemaOnce    sync.Once
	imageSchemas  map[string]*jsonschema.Schema
	arraySchema   *jsonschema.Schema
	schemaCompile error
)

func compileSchemas() error {
	schemaOnce.Do(func() {
		imageSchemas = make(map[string]*jsonschema.Schema, len(imageSchemaSources))
		for version, src := range imageSchemaSources {
			sch, err := jsonschema.CompileString("image-"+version+".json", src)
			if err != nil {
				schemaCompile = fmt.Errorf("compile image schema %s: %w", version, err)
				return
			}
			imageSchemas[version] = sch
		}
		sch, err := jsonschema.CompileString("zarray.json", arraySchemaSource)
		if err != nil {
			schemaCompile = fmt.Errorf("compile array schema: %w", err)
			return
		}
		arraySchema = sch
	})
	return schemaCompile
}

// validateImage checks root attributes against the schema of version.
// Versions without a schema pass unchecked.
func validateImage(version string, raw []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	sch, ok := imageSchemas[version]
	if !ok {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse .zattrs: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid NGFF %s image: %w", version, err)
	}
	return nil
}

func validateArray(raw []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse .zarray: %w", err)
	}
	if err := arraySchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid .zarray: %w", err)
	}
	return nil
}
