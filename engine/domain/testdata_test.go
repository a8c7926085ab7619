package domain

const sampleDoc = `{
  "metadata": {"title": "Main Substation (North)", "source_image": "north.png",
               "extracted_at": "2025-03-01T10:20:30Z", "notes": ["rev B"], "sheet": 2},
  "ontology": {
    "node_types": {"GridSource": {"attrs": ["kv"]}, "Transformer": {"attrs": ["mva_ratings"]}},
    "edge_types": {"CONNECTS_TO": {"attrs": []}}
  },
  "nodes": [
    {"id": "GS_A", "type": "GridSource", "name": "Utility A", "kv": 138},
    {"id": "TX1", "type": "Transformer", "mva_ratings": [20, 26.7, 33.3], "impedance_pct": 8.5}
  ],
  "edges": [
    {"from": "GS_A", "to": "TX1", "type": "CONNECTS_TO", "via": "HV bushings", "cable": {"size": "500MCM"}}
  ],
  "calculations": {"short_circuit": {"BUS1": {"first_cycle_asym_ka": 31.5}}}
}`
